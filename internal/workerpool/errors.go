package workerpool

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessSpawn 子进程无法启动或在就绪前退出
	ErrProcessSpawn = errors.New("worker process spawn failed")
	// ErrStartupTimeout 启动超时内未收到 ready
	ErrStartupTimeout = errors.New("worker startup timeout")
	// ErrTaskTimeout 任务在截止时间内未完成
	ErrTaskTimeout = errors.New("worker task timeout")
	// ErrPoolNotReady 池未就绪，拒绝提交
	ErrPoolNotReady = errors.New("worker pool not ready")
	// ErrPoolTerminated 池已关闭或进程已退出
	ErrPoolTerminated = errors.New("worker pool terminated")
	// ErrMetricsTimeout get_metrics 未在超时内返回
	ErrMetricsTimeout = errors.New("worker metrics timeout")
	// ErrAlreadyStarted 重复启动
	ErrAlreadyStarted = errors.New("worker pool already started")
)

// TaskError 子进程报告的任务失败（status != success）
type TaskError struct {
	TaskID  string
	Status  string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("worker task %s failed (%s): %s", e.TaskID, e.Status, e.Message)
}

// IsPoolFailure 判断错误是否来源于池本身（进程、超时、状态），而非任务内容
func IsPoolFailure(err error) bool {
	return errors.Is(err, ErrProcessSpawn) ||
		errors.Is(err, ErrStartupTimeout) ||
		errors.Is(err, ErrTaskTimeout) ||
		errors.Is(err, ErrPoolNotReady) ||
		errors.Is(err, ErrPoolTerminated)
}
