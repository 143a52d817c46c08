// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的网关指标采集能力，覆盖
HTTP、实时连接、流水线阶段、后端调用与工作池五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离，指标端点由独立的
metrics 端口暴露。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 网关指标：活跃连接数、消息计数（按方向与类型）、错误码计数、
    会话结束原因、质量反馈评分分布。
  - 流水线指标：STT/Agent/TTS 阶段耗时、端到端延迟、阶段降级次数。
  - 后端指标：按 kind/backend 统计调用次数与耗时，RecordBackendCall
    可直接作为 broker 的观察者。
  - 工作池指标：状态、待处理任务数、队列深度与利用率。
*/
package metrics
