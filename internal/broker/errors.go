package broker

import (
	"errors"
	"fmt"

	"github.com/BaSui01/voxflow/internal/workerpool"
)

var (
	// ErrBackendUnavailable 后端暂时不可用（进程崩溃、网络错误、5xx）
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	// ErrNoBackend 该类别没有可用后端
	ErrNoBackend = errors.New("no inference backend configured")
	// ErrInvalidResult 后端返回无法解析的结果
	ErrInvalidResult = errors.New("invalid inference result")
	// ErrWholeResultTried 流式合成失败，且尝试过的后端都已按整段结果执行过
	ErrWholeResultTried = errors.New("whole-result synthesis already attempted")
)

// RemoteError 远程服务返回的非重试性错误（4xx）
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote inference returned %d: %s", e.StatusCode, e.Body)
}

// IsTransient 判断失败是否应切换到下一个后端。
// 池故障（超时、退出、未就绪、启动失败）与后端不可用属于瞬时错误；
// worker 报告的任务错误与调用方输入错误不属于。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return workerpool.IsPoolFailure(err) || errors.Is(err, ErrBackendUnavailable)
}
