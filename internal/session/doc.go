// Package session 管理实时会话记录：创建、字段合并更新、延迟与错误计数、
// 幂等结束，以及已结束会话快照的 Redis 持久化。
//
// 同一会话的变更可能来自同一连接上并发处理的多个事件，因此 Manager 内部加锁。
package session
