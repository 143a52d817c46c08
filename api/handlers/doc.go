// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 VoxFlow 运维 HTTP API 的请求处理器实现。

# 核心类型

  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /version）
  - PoolHealthCheck  — worker 池就绪检查，池不可用且无回退后端时失败
  - OperatorHandler  — 延迟趋势、worker 池指标与活跃会话查询
  - APIKeyHandler    — 调用方 API Key 的增删改查，响应中密钥脱敏
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
*/
package handlers
