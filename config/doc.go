// Package config 提供 VoxFlow 的配置管理功能。
//
// 配置来源依次为内置默认值、YAML 文件与 VOXFLOW_ 前缀的环境变量，
// 覆盖服务器、推理 Worker 池、实时网关、Redis、数据库、日志与遥测。
// Reloader 轮询配置文件并在变化后重新加载；日志级别即时生效，
// 其余字段记录为需要重启。
package config
