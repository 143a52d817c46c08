// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
Package gateway 实现实时语音 WebSocket 网关。

每个连接维护一个会话状态机：

	Connected → (init) → Active ⇄ Paused → Ended

所有消息均为 JSON 文本帧，type 字段区分类型，eventId 用于把服务端消息
关联回触发它的客户端事件。

# 流水线

audio_chunk 与 text_input 各自作为一个事件在独立协程中执行：

	STT → Agent → TTS → Metrics

任一阶段失败时使用降级结果继续，错误计入会话的 errorCount；
text 模式跳过 TTS。同一连接上的并发事件数受 MaxInflightEvents 限制。

# 错误

客户端错误以 error 消息返回：NO_SESSION、SESSION_EXISTS、SESSION_PAUSED、
RATE_LIMITED 等可恢复；无法解析的帧与无效 API Key 不可恢复，
网关随后以 policy violation 关闭连接。
*/
package gateway
