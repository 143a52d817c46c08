// Package broker 为网关提供统一的推理入口（STT / Agent / TTS）。
//
// 每类任务对应一条后端链：常驻 worker 池、一次性子进程、远程 HTTP 服务，
// 瞬时故障时依次降级；完全没有配置后端时由 Placeholder 直接给出降级结果。
package broker
