package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voxflow/config"
	"github.com/BaSui01/voxflow/internal/workerpool"
)

// Observer 记录每次后端调用
type Observer func(kind Kind, backend string, d time.Duration, err error)

// Option 配置 Broker
type Option func(*Broker)

// WithObserver 设置后端调用观察者
func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observer = o }
}

// WithBackends 设置某类任务的后端链（按顺序尝试）
func WithBackends(kind Kind, backends ...Backend) Option {
	return func(b *Broker) { b.routes[kind] = backends }
}

// WithChunkBytes 设置 TTS 切片大小
func WithChunkBytes(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.chunkBytes = n
		}
	}
}

// Broker 统一的推理入口。每类任务按顺序尝试 worker 池、一次性子进程与远程服务，
// 遇到瞬时故障切换到下一个；未配置任何后端时由降级后端直接作答。
type Broker struct {
	logger      *zap.Logger
	routes      map[Kind][]Backend
	pools       map[Kind]*workerpool.Pool
	placeholder *Placeholder
	chunkBytes  int
	observer    Observer
}

// New 创建 Broker
func New(logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		logger:      logger.With(zap.String("component", "broker")),
		routes:      make(map[Kind][]Backend),
		pools:       make(map[Kind]*workerpool.Pool),
		placeholder: NewPlaceholder(),
		chunkBytes:  4096,
	}
	for _, opt := range opts {
		opt(b)
	}
	for kind, backends := range b.routes {
		for _, be := range backends {
			if pb, ok := be.(*PoolBackend); ok {
				b.pools[kind] = pb.Pool()
			}
		}
	}
	return b
}

// NewFromConfig 按配置组装各类任务的后端链
func NewFromConfig(cfg config.WorkersConfig, chunkBytes int, logger *zap.Logger, opts ...Option) *Broker {
	perKind := map[Kind]config.WorkerPoolConfig{
		KindSTT:   cfg.STT,
		KindAgent: cfg.Agent,
		KindTTS:   cfg.TTS,
	}

	all := []Option{WithChunkBytes(chunkBytes)}
	for _, kind := range Kinds {
		pc := perKind[kind]
		var backends []Backend
		if pc.Enabled {
			backends = append(backends, NewPoolBackend(workerpool.New(string(kind), pc, logger), 0))
		}
		if pc.FallbackCommand != "" {
			backends = append(backends, NewOneShotBackend(pc.FallbackCommand, pc.FallbackArgs, pc.Env, pc.FallbackTimeout))
		}
		if pc.FallbackURL != "" {
			backends = append(backends, NewRemoteBackend(pc.FallbackURL, pc.FallbackTimeout, chunkBytes))
		}
		if len(backends) > 0 {
			all = append(all, WithBackends(kind, backends...))
		}
	}
	return New(logger, append(all, opts...)...)
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Start 并发启动全部 worker 池。启动失败的池保留在后端链中，
// 其任务会因 ErrPoolNotReady 转入后续后端；返回的错误仅供记录。
func (b *Broker) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	errs := make([]error, len(Kinds))
	for i, kind := range Kinds {
		pool, ok := b.pools[kind]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := pool.Start(gctx); err != nil {
				b.logger.Error("worker pool failed to start",
					zap.String("pool", string(kind)),
					zap.Bool("has_fallback", b.HasFallback(kind)),
					zap.Error(err),
				)
				errs[i] = fmt.Errorf("start %s pool: %w", kind, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown 并发关闭全部 worker 池
func (b *Broker) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for kind, pool := range b.pools {
		g.Go(func() error {
			if err := pool.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s pool: %w", kind, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Pools 返回已配置的 worker 池
func (b *Broker) Pools() map[Kind]*workerpool.Pool {
	out := make(map[Kind]*workerpool.Pool, len(b.pools))
	for k, v := range b.pools {
		out[k] = v
	}
	return out
}

// HasFallback 该类任务在 worker 池之外是否还有可用后端
func (b *Broker) HasFallback(kind Kind) bool {
	for _, be := range b.routes[kind] {
		if _, ok := be.(*PoolBackend); !ok {
			return true
		}
	}
	return false
}

// QueueDepth 所有池待处理任务总数
func (b *Broker) QueueDepth() int {
	total := 0
	for _, pool := range b.pools {
		total += pool.PendingCount()
	}
	return total
}

// PoolStats 返回各池本地计数快照
func (b *Broker) PoolStats() []workerpool.Metrics {
	stats := make([]workerpool.Metrics, 0, len(b.pools))
	for _, kind := range Kinds {
		if pool, ok := b.pools[kind]; ok {
			stats = append(stats, pool.Stats())
		}
	}
	return stats
}

// PoolMetrics 向各池查询指标；查询失败时退回本地快照
func (b *Broker) PoolMetrics(ctx context.Context) []workerpool.Metrics {
	out := make([]workerpool.Metrics, 0, len(b.pools))
	for _, kind := range Kinds {
		pool, ok := b.pools[kind]
		if !ok {
			continue
		}
		m, err := pool.GetMetrics(ctx)
		if err != nil {
			b.logger.Debug("pool metrics query failed", zap.String("pool", string(kind)), zap.Error(err))
			m = pool.Stats()
		}
		out = append(out, m)
	}
	return out
}

// Placeholder 返回降级后端
func (b *Broker) Placeholder() *Placeholder { return b.placeholder }

// =============================================================================
// 📨 任务执行
// =============================================================================

func (b *Broker) observe(kind Kind, backend string, start time.Time, err error) {
	if b.observer != nil {
		b.observer(kind, backend, time.Since(start), err)
	}
}

// execute 依次尝试后端链
func (b *Broker) execute(ctx context.Context, kind Kind, payload any) (json.RawMessage, error) {
	backends := b.routes[kind]
	if len(backends) == 0 {
		start := time.Now()
		raw, err := b.placeholder.Execute(ctx, kind, payload)
		b.observe(kind, b.placeholder.Name(), start, err)
		return raw, err
	}

	var lastErr error
	for i, be := range backends {
		start := time.Now()
		raw, err := be.Execute(ctx, kind, payload)
		b.observe(kind, be.Name(), start, err)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		if i < len(backends)-1 {
			b.logger.Warn("inference backend failed, falling back",
				zap.String("kind", string(kind)),
				zap.String("backend", be.Name()),
				zap.String("next", backends[i+1].Name()),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

func decodeResult[T any](kind Kind, raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidResult, kind, err)
	}
	return out, nil
}

// ProcessSTTChunk 识别一段音频
func (b *Broker) ProcessSTTChunk(ctx context.Context, req STTRequest) (STTResult, error) {
	raw, err := b.execute(ctx, KindSTT, req)
	if err != nil {
		return STTResult{}, err
	}
	return decodeResult[STTResult](KindSTT, raw)
}

// CallAgent 获取对话回复
func (b *Broker) CallAgent(ctx context.Context, req AgentRequest) (AgentResult, error) {
	raw, err := b.execute(ctx, KindAgent, req)
	if err != nil {
		return AgentResult{}, err
	}
	return decodeResult[AgentResult](KindAgent, raw)
}

// CallTTS 合成整段音频
func (b *Broker) CallTTS(ctx context.Context, req TTSRequest) (TTSResult, error) {
	raw, err := b.execute(ctx, KindTTS, req)
	if err != nil {
		return TTSResult{}, err
	}
	res, err := decodeResult[TTSResult](KindTTS, raw)
	if err != nil {
		return res, err
	}
	if res.Duration == 0 {
		res.Duration = estimateDuration(len(res.Audio), res.SampleRate)
	}
	return res, nil
}

// StreamTTS 流式合成，按顺序回调分片，最后一片 Done=true。
// 尚未发出任何分片时遇到瞬时故障会切换后端；一旦开始输出则直接返回错误，
// 返回的汇总反映已发出的分片数。
// 未发出分片就失败、且失败的后端都不支持流式时，错误包装 ErrWholeResultTried，
// 调用方无需再走 CallTTS。
func (b *Broker) StreamTTS(ctx context.Context, req TTSRequest, emit func(TTSChunk) error) (StreamSummary, error) {
	backends := b.routes[KindTTS]
	if len(backends) == 0 {
		backends = []Backend{b.placeholder}
	}

	seq := &sequencer{emit: emit}
	var lastErr error
	streamed := false
	wholeOnly := func(err error) error {
		if streamed {
			return err
		}
		return fmt.Errorf("%w: %w", ErrWholeResultTried, err)
	}
	for _, be := range backends {
		if _, ok := be.(StreamingBackend); ok {
			streamed = true
		}
		start := time.Now()
		duration, err := b.streamFrom(ctx, be, req, seq)
		b.observe(KindTTS, be.Name(), start, err)

		if err == nil {
			if err := seq.finish(); err != nil {
				return StreamSummary{Chunks: seq.sent, Bytes: seq.bytes, Backend: be.Name()}, err
			}
			if duration == 0 {
				duration = estimateDuration(seq.bytes, 0)
			}
			return StreamSummary{Chunks: seq.sent, Bytes: seq.bytes, Duration: duration, Backend: be.Name()}, nil
		}

		lastErr = err
		if seq.sent > 0 || ctx.Err() != nil {
			return StreamSummary{Chunks: seq.sent, Bytes: seq.bytes, Backend: be.Name()}, err
		}
		if !IsTransient(err) {
			return StreamSummary{Backend: be.Name()}, wholeOnly(err)
		}
		seq.reset()
		b.logger.Warn("tts stream backend failed, trying next",
			zap.String("backend", be.Name()),
			zap.Error(err),
		)
	}
	return StreamSummary{}, wholeOnly(lastErr)
}

func (b *Broker) streamFrom(ctx context.Context, be Backend, req TTSRequest, seq *sequencer) (float64, error) {
	if sb, ok := be.(StreamingBackend); ok {
		return 0, sb.Stream(ctx, KindTTS, req, seq.push)
	}

	raw, err := be.Execute(ctx, KindTTS, req)
	if err != nil {
		return 0, err
	}
	res, err := decodeResult[TTSResult](KindTTS, raw)
	if err != nil {
		return 0, err
	}
	for _, part := range splitResult(res, b.chunkBytes) {
		if err := seq.push(part); err != nil {
			return 0, err
		}
	}
	if res.Duration > 0 {
		return res.Duration, nil
	}
	return estimateDuration(seq.bytes, res.SampleRate), nil
}
