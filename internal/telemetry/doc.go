// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化，提供流水线 span
// 辅助函数与阶段耗时的 OTel 直方图。禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
