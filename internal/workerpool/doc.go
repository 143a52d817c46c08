// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
Package workerpool 管理一类推理任务（stt / tts / agent）的常驻子进程，
并在按行分隔的 JSON 标准输入输出协议之上提供异步请求/响应语义。

# 协议

发往子进程的命令：

	{"type":"submit_task","task_id":"...","data":{...},"priority":0}
	{"type":"get_result","timeout":0.1}
	{"type":"health_check"}
	{"type":"get_metrics"}
	{"type":"shutdown"}

子进程输出的消息：ready、task_submitted、task_result、no_result、metrics、error。
非 JSON 行与不完整的行会被缓冲，直到读到完整一行为止。

# 生命周期

	Unstarted → Starting → Ready ⇄ Degraded → Terminated

读取协程事件驱动地按 task_id 路由结果；仅当存在待处理任务且
poll_interval > 0 时才批量发送 get_result。连续 N 次健康检查未被确认时
池进入 Degraded，收到任意一行输出即恢复为 Ready。进程意外退出会立即
拒绝所有待处理任务，池不会自动重启。
*/
package workerpool
