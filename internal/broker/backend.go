package broker

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/voxflow/internal/workerpool"
)

// Backend 执行一类推理任务，输入输出均为 JSON
type Backend interface {
	Name() string
	Execute(ctx context.Context, kind Kind, payload any) (json.RawMessage, error)
}

// StreamingBackend 可以边合成边输出音频字节的后端
type StreamingBackend interface {
	Backend
	Stream(ctx context.Context, kind Kind, payload any, emit func([]byte) error) error
}

// PoolBackend 由常驻 worker 池提供服务
type PoolBackend struct {
	pool     *workerpool.Pool
	priority int
}

// NewPoolBackend 包装一个 worker 池
func NewPoolBackend(pool *workerpool.Pool, priority int) *PoolBackend {
	return &PoolBackend{pool: pool, priority: priority}
}

func (b *PoolBackend) Name() string { return "pool" }

// Execute 提交任务并等待结果
func (b *PoolBackend) Execute(ctx context.Context, _ Kind, payload any) (json.RawMessage, error) {
	return b.pool.Do(ctx, payload, b.priority)
}

// Pool 返回底层池
func (b *PoolBackend) Pool() *workerpool.Pool { return b.pool }
