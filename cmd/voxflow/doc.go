// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 VoxFlow 服务端程序入口。

# 概述

cmd/voxflow 组装实时语音网关：推理 Worker 池与回退后端、会话管理、
WebSocket 网关、运维 API 与健康检查，并在独立端口暴露 Prometheus 指标。

# 核心类型

  - Server       组合根，负责组件初始化与关闭顺序
  - Middleware   HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusWriter 捕获状态码，透传 Hijack 以支持 WebSocket 升级

# 主要能力

  - 子命令：serve、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、CORS、JWTAuth（可选）、RateLimiter、APIKeyAuth
  - 配置热重载：config.Reloader 轮询文件，日志级别即时生效
  - 优雅关闭：网关通知客户端 → 关闭 HTTP → 停止 Worker 池 → 关闭存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
