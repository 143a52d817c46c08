// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接池管理，API Key 存储通过它
访问 PostgreSQL、MySQL 或纯 Go 的 SQLite。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close()，并实现健康检查接口。
  - PoolConfig：连接池配置，可由 config.DatabaseConfig 派生。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 方言选择：Dialector 按驱动名返回 postgres/mysql/sqlite 方言。
  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 对死锁、
    序列化失败与 SQLite 锁冲突做指数退避重试。
*/
package database
