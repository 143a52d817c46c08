// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

// Package apikey 提供 API Key 的持久化查询与用量累加，
// 实时网关用它把会话归属到调用方。
package apikey
