package gateway

import (
	"errors"
	"fmt"

	"github.com/BaSui01/voxflow/types"
)

// NoSessionError 在 init 之前收到了需要会话的消息
type NoSessionError struct {
	Type string
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("no active session: send init before %s", e.Type)
}

// MessageParseError 客户端消息无法解析或校验失败
type MessageParseError struct {
	Type        string
	EventID     string
	Reason      string
	Recoverable bool
	Err         error
}

func (e *MessageParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v", e.Reason, e.Err)
	}
	return "parse message: " + e.Reason
}

func (e *MessageParseError) Unwrap() error { return e.Err }

// HandlerError 处理消息时出现的意外错误
type HandlerError struct {
	Op  string
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s: %v", e.Op, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// toErrorMessage 将错误映射为协议错误码与可恢复标记
func toErrorMessage(err error) *ErrorMessage {
	var (
		noSession *NoSessionError
		parseErr  *MessageParseError
		apiErr    *types.Error
	)
	switch {
	case errors.As(err, &noSession):
		return &ErrorMessage{Code: string(types.ErrNoSession), Message: err.Error(), Recoverable: true}
	case errors.As(err, &parseErr):
		return &ErrorMessage{Code: string(types.ErrMessageParse), Message: err.Error(), Recoverable: parseErr.Recoverable}
	case errors.As(err, &apiErr):
		return &ErrorMessage{Code: string(apiErr.Code), Message: apiErr.Message, Recoverable: apiErr.Retryable}
	default:
		return &ErrorMessage{Code: string(types.ErrHandlerFailure), Message: err.Error(), Recoverable: true}
	}
}
