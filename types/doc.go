// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 VoxFlow 网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 gateway、broker、
api 等上层模块提供统一的错误码与 context 传播契约。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - Context 传播     — WithTraceID / WithTenantID / WithUserID / WithRoles / WithOwnerKey

# 主要能力

  - 错误工具链：AsError / GetErrorCode / IsRetryable（支持 %w 包装链）
  - 实时会话错误码：NO_SESSION、SESSION_PAUSED、MESSAGE_PARSE_ERROR 等
  - Worker 池错误码：POOL_NOT_READY、TASK_TIMEOUT 等
*/
package types
