// Package api 描述 VoxFlow 的对外接口。
//
// # 实时接口
//
// WebSocket 端点（默认 /ws）承载实时语音会话，消息格式见 internal/gateway。
//
// # 运维接口
//
//	GET    /health, /healthz, /ready, /version
//	GET    /api/v1/metrics/latency?recent=N
//	GET    /api/v1/pools
//	GET    /api/v1/sessions
//	GET    /api/v1/sessions/{id}
//	GET    /api/v1/keys
//	POST   /api/v1/keys
//	PUT    /api/v1/keys/{id}
//	DELETE /api/v1/keys/{id}
//
// 除健康检查外的接口需要 X-API-Key 请求头（或配置 JWT 后的 Bearer Token）。
// Prometheus 指标在独立端口的 /metrics 暴露。
package api
