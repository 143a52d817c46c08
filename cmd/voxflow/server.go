package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/api/handlers"
	"github.com/BaSui01/voxflow/config"
	"github.com/BaSui01/voxflow/internal/apikey"
	"github.com/BaSui01/voxflow/internal/broker"
	"github.com/BaSui01/voxflow/internal/cache"
	"github.com/BaSui01/voxflow/internal/database"
	"github.com/BaSui01/voxflow/internal/gateway"
	"github.com/BaSui01/voxflow/internal/latency"
	"github.com/BaSui01/voxflow/internal/metrics"
	"github.com/BaSui01/voxflow/internal/server"
	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/internal/telemetry"
)

const poolSampleInterval = 5 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 VoxFlow 的组合根：持有全部组件并负责启动与关闭顺序
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	logLevel   zap.AtomicLevel

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 组件
	otel      *telemetry.Providers
	collector *metrics.Collector
	cache     *cache.Manager
	db        *database.PoolManager
	keys      *apikey.Store
	broker    *broker.Broker
	sessions  *session.Manager
	gateway   *gateway.Gateway
	reloader  *config.Reloader

	// Handlers
	healthHandler   *handlers.HealthHandler
	operatorHandler *handlers.OperatorHandler
	apiKeyHandler   *handlers.APIKeyHandler

	// 后台协程（限流清理、池采样、配置轮询）
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		logLevel:   level,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 遥测与指标
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otel = providers
	s.collector = metrics.NewCollector("voxflow", s.logger)

	// 2. 存储（Redis 会话快照、数据库 API Key）
	s.initStorage()

	// 3. 推理后端
	s.broker = broker.NewFromConfig(s.cfg.Workers, s.cfg.Gateway.TTSChunkBytes, s.logger,
		broker.WithObserver(func(kind broker.Kind, backend string, d time.Duration, err error) {
			s.collector.RecordBackendCall(string(kind), backend, d, err)
		}),
	)
	if err := s.broker.Start(s.bgCtx); err != nil {
		s.logger.Warn("some worker pools are unavailable, fallbacks will serve", zap.Error(err))
	}
	s.startPoolSampler()

	// 4. 会话与网关
	s.initGateway()

	// 5. Handlers
	s.initHandlers()

	// 6. 配置热重载
	s.initReloader()

	// 7. HTTP 与 Metrics 服务器
	if err := s.startHTTPServer(); err != nil {
		return err
	}
	if err := s.startMetricsServer(); err != nil {
		return err
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("gateway_path", s.cfg.Gateway.Path),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initStorage() {
	if s.cfg.Redis.Enabled {
		c, err := cache.NewManager(s.cfg.Redis, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, session snapshots disabled", zap.Error(err))
		} else {
			s.cache = c
		}
	}

	if s.cfg.Database.Driver == "" {
		s.logger.Info("Database not configured, API key management disabled")
		return
	}
	pm, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		s.logger.Warn("Database not available, API key management disabled", zap.Error(err))
		return
	}
	s.db = pm

	store := apikey.NewStore(pm, s.logger)
	ctx, cancel := context.WithTimeout(s.bgCtx, 30*time.Second)
	defer cancel()
	if err := store.AutoMigrate(ctx); err != nil {
		s.logger.Error("Database auto-migrate failed", zap.Error(err))
		return
	}
	s.keys = store
}

func (s *Server) initGateway() {
	var sessOpts []session.Option
	if s.cache != nil {
		sessOpts = append(sessOpts, session.WithStore(session.NewRedisStore(s.cache, s.cfg.Redis.SessionTTL)))
	}
	s.sessions = session.NewManager(s.logger, sessOpts...)

	gwOpts := []gateway.Option{
		gateway.WithCollector(s.collector),
		gateway.WithAggregator(latency.NewAggregator(s.cfg.Gateway.HistoryCapacity)),
	}
	if rec, err := telemetry.NewStageRecorder(); err != nil {
		s.logger.Warn("failed to create OTel stage recorder", zap.Error(err))
	} else {
		gwOpts = append(gwOpts, gateway.WithStageRecorder(rec))
	}
	if s.keys != nil {
		gwOpts = append(gwOpts, gateway.WithKeyStore(s.keys))
	}
	s.gateway = gateway.New(s.cfg.Gateway, s.broker, s.sessions, s.logger, gwOpts...)
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPoolHealthCheck(s.broker))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cache.Ping))
	}
	if s.db != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.db.Ping))
	}

	s.operatorHandler = handlers.NewOperatorHandler(s.gateway.Aggregator(), s.broker, s.sessions, s.logger)
	if s.keys != nil {
		s.apiKeyHandler = handlers.NewAPIKeyHandler(s.keys, s.logger)
	}

	s.logger.Info("Handlers initialized", zap.Bool("api_keys_enabled", s.apiKeyHandler != nil))
}

// initReloader 监听配置文件；日志级别即时调整
func (s *Server) initReloader() {
	if s.configPath == "" {
		return
	}
	s.reloader = config.NewReloader(s.configPath, s.cfg, s.logger)
	s.reloader.OnReload(func(_, newCfg *config.Config, _ []config.Change) error {
		s.logLevel.SetLevel(parseLevel(newCfg.Log.Level))
		return nil
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reloader.Run(s.bgCtx)
	}()
}

// startPoolSampler 周期性把池状态写入 Prometheus
func (s *Server) startPoolSampler() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(poolSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.bgCtx.Done():
				return
			case <-ticker.C:
				for _, m := range s.broker.PoolStats() {
					s.collector.RecordPool(m.PoolType, m.State, m.Pending, m.QueueDepth, m.Utilization)
				}
			}
		}
	}()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 实时网关
	mux.Handle(s.cfg.Gateway.Path, s.gateway)

	// 运维 API
	mux.HandleFunc("GET /api/v1/metrics/latency", s.operatorHandler.HandleLatency)
	mux.HandleFunc("GET /api/v1/pools", s.operatorHandler.HandlePools)
	mux.HandleFunc("GET /api/v1/sessions", s.operatorHandler.HandleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.operatorHandler.HandleGetSession)

	if s.apiKeyHandler != nil {
		mux.HandleFunc("GET /api/v1/keys", s.apiKeyHandler.HandleListAPIKeys)
		mux.HandleFunc("POST /api/v1/keys", s.apiKeyHandler.HandleCreateAPIKey)
		mux.HandleFunc("PUT /api/v1/keys/{id}", s.apiKeyHandler.HandleUpdateAPIKey)
		mux.HandleFunc("DELETE /api/v1/keys/{id}", s.apiKeyHandler.HandleDeleteAPIKey)
	}
	return mux
}

// middleware 构建中间件链
func (s *Server) middleware(h http.Handler) http.Handler {
	sc := s.cfg.Server
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	// 配置了 Key 存储时网关在 init 阶段自行认证
	if s.keys != nil {
		skipAuthPaths = append(skipAuthPaths, s.cfg.Gateway.Path)
	}

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	if sc.JWT.Enabled() {
		// JWT 先于限流，使限流按租户生效
		chain = append(chain, JWTAuth(sc.JWT, skipAuthPaths, s.logger))
	}
	chain = append(chain,
		RateLimiter(s.bgCtx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger),
		APIKeyAuth(sc.APIKeys, skipAuthPaths, sc.AllowQueryAPIKey, s.logger),
	)
	return Chain(h, chain...)
}

// startHTTPServer 启动 API 与网关所在的 HTTP 服务器
func (s *Server) startHTTPServer() error {
	handler := s.middleware(s.routes())

	cfg := server.ConfigFor(s.cfg.Server.HTTPPort, s.cfg.Server)
	cfg.IdleTimeout = 2 * cfg.ReadTimeout
	s.httpManager = server.NewManager("http", handler, cfg, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager("metrics", mux, server.ConfigFor(s.cfg.Server.MetricsPort, s.cfg.Server), s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.String("addr", s.metricsManager.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到信号或服务器异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsErrs <-chan error
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-s.httpManager.Errors():
		s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
	case err := <-metricsErrs:
		s.logger.Error("Metrics server stopped unexpectedly", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 按 网关 → HTTP → 后端 → 存储 → 遥测 的顺序关闭
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	step := func(name string, fn func() error) {
		if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(name+" shutdown error", zap.Error(err))
		}
	}

	// 1. 网关：通知客户端并结束会话
	if s.gateway != nil {
		step("gateway", func() error { return s.gateway.Shutdown(ctx) })
	}

	// 2. HTTP 服务器
	if s.httpManager != nil {
		step("http server", func() error { return s.httpManager.Shutdown(ctx) })
	}
	if s.metricsManager != nil {
		step("metrics server", func() error { return s.metricsManager.Shutdown(ctx) })
	}

	// 3. 后台协程
	s.bgCancel()
	s.wg.Wait()

	// 4. Worker 池
	if s.broker != nil {
		step("worker pools", func() error { return s.broker.Shutdown(ctx) })
	}

	// 5. 存储
	if s.cache != nil {
		step("redis", s.cache.Close)
	}
	if s.db != nil {
		step("database", s.db.Close)
	}

	// 6. 遥测
	step("telemetry", func() error { return s.otel.Shutdown(ctx) })

	s.logger.Info("Graceful shutdown completed")
}
