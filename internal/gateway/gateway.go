package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/config"
	"github.com/BaSui01/voxflow/internal/apikey"
	"github.com/BaSui01/voxflow/internal/broker"
	"github.com/BaSui01/voxflow/internal/latency"
	"github.com/BaSui01/voxflow/internal/metrics"
	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/internal/telemetry"
)

// Pipeline 流水线依赖的推理入口，由 *broker.Broker 实现
type Pipeline interface {
	ProcessSTTChunk(ctx context.Context, req broker.STTRequest) (broker.STTResult, error)
	CallAgent(ctx context.Context, req broker.AgentRequest) (broker.AgentResult, error)
	CallTTS(ctx context.Context, req broker.TTSRequest) (broker.TTSResult, error)
	StreamTTS(ctx context.Context, req broker.TTSRequest, emit func(broker.TTSChunk) error) (broker.StreamSummary, error)
	QueueDepth() int
}

// KeyStore 会话归属查询，由 *apikey.Store 实现
type KeyStore interface {
	GetAPIKeyByKey(ctx context.Context, key string) (*apikey.APIKey, error)
	IncrementUsage(ctx context.Context, id uint, n int64) error
}

// Option 配置 Gateway
type Option func(*Gateway)

// WithCollector 设置 Prometheus 指标收集器
func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) { g.collector = c }
}

// WithStageRecorder 设置 OTel 阶段耗时记录器
func WithStageRecorder(r *telemetry.StageRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithKeyStore 启用 API Key 归属
func WithKeyStore(ks KeyStore) Option {
	return func(g *Gateway) { g.keys = ks }
}

// WithAggregator 使用外部的延迟聚合器
func WithAggregator(a *latency.Aggregator) Option {
	return func(g *Gateway) { g.aggregator = a }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// =============================================================================
// 🎙️ 实时网关
// =============================================================================

// Gateway 终结客户端 WebSocket，并为每个音频/文本事件驱动 STT→Agent→TTS 流水线
type Gateway struct {
	cfg         config.GatewayConfig
	pipeline    Pipeline
	placeholder *broker.Placeholder
	sessions    *session.Manager
	aggregator  *latency.Aggregator
	collector   *metrics.Collector
	recorder    *telemetry.StageRecorder
	keys        KeyStore
	logger      *zap.Logger
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New 创建网关
func New(cfg config.GatewayConfig, pipeline Pipeline, sessions *session.Manager, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:         cfg,
		pipeline:    pipeline,
		placeholder: broker.NewPlaceholder(),
		sessions:    sessions,
		logger:      logger.With(zap.String("component", "gateway")),
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
		conns:       make(map[*connection]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.aggregator == nil {
		g.aggregator = latency.NewAggregator(cfg.HistoryCapacity)
	}
	return g
}

func withDefaults(cfg config.GatewayConfig) config.GatewayConfig {
	def := config.DefaultConfig().Gateway
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.MinFinalTextLength < 0 {
		cfg.MinFinalTextLength = 0
	}
	if cfg.MaxInflightEvents <= 0 {
		cfg.MaxInflightEvents = def.MaxInflightEvents
	}
	if cfg.InboundRPS <= 0 {
		cfg.InboundRPS = def.InboundRPS
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = def.ReadLimitBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return cfg
}

// ServeHTTP 升级为 WebSocket 并运行连接状态机，连接关闭后返回
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}

	// 长连接不受 http.Server 的读写超时约束
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(g.cfg.ReadLimitBytes)

	c := newConnection(g, ws, r)
	if !g.track(c) {
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer g.untrack(c)

	c.run()
}

func (g *Gateway) track(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	g.collector.ConnectionOpened()
	return true
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.collector.ConnectionClosed()
	g.wg.Done()
}

// ActiveConnections 当前连接数
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Aggregator 返回延迟聚合器
func (g *Gateway) Aggregator() *latency.Aggregator { return g.aggregator }

// Shutdown 拒绝新连接，通知并结束所有会话，等待连接退出；
// ctx 到期后强制取消剩余连接
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.logger.Info("gateway shutting down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		go c.finish(reasonShutdown, "", true, websocket.StatusGoingAway)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		g.logger.Info("gateway stopped")
		return nil
	case <-ctx.Done():
		g.cancel()
		g.logger.Warn("gateway shutdown deadline exceeded, connections cancelled")
		return ctx.Err()
	}
}
