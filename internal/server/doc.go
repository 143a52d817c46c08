// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

// Package server 管理 API 与 metrics 两个 HTTP 服务器的监听、
// 异步错误上报与优雅关闭。
package server
