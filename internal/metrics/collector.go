package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// 池状态标签值
var poolStates = []string{"unstarted", "starting", "ready", "degraded", "terminated"}

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，nil 接收者上的记录方法为空操作
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 网关指标
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	sessionsEnded     *prometheus.CounterVec
	qualityScore      *prometheus.HistogramVec

	// 流水线指标
	stageDuration    *prometheus.HistogramVec
	endToEndDuration prometheus.Histogram
	stageFallbacks   *prometheus.CounterVec

	// 后端指标
	backendCallsTotal   *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec

	// 工作池指标
	poolState       *prometheus.GaugeVec
	poolPending     *prometheus.GaugeVec
	poolQueueDepth  *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 网关指标
	c.connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Number of open real-time connections",
		},
	)

	c.connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total number of accepted real-time connections",
		},
	)

	c.messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Total number of gateway messages by direction and type",
		},
		[]string{"direction", "type"}, // direction: in, out
	)

	c.errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Total number of error messages sent to clients",
		},
		[]string{"code"},
	)

	c.sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions_ended_total",
			Help:      "Total number of finalized sessions by reason",
		},
		[]string{"reason"},
	)

	c.qualityScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "quality_feedback_score",
			Help:      "Client reported quality scores",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"category"},
	)

	// 流水线指标
	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	c.endToEndDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "end_to_end_duration_seconds",
			Help:      "Pipeline end-to-end latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	c.stageFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_degraded_total",
			Help:      "Total number of stages that fell back to degraded output",
		},
		[]string{"stage"},
	)

	// 后端指标
	c.backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "backend_calls_total",
			Help:      "Total number of backend calls",
		},
		[]string{"kind", "backend", "status"},
	)

	c.backendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind", "backend"},
	)

	// 工作池指标
	c.poolState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workerpool",
			Name:      "state",
			Help:      "Current worker pool state (1 for the active state)",
		},
		[]string{"pool", "state"},
	)

	c.poolPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workerpool",
			Name:      "pending_tasks",
			Help:      "Number of tasks awaiting a result",
		},
		[]string{"pool"},
	)

	c.poolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workerpool",
			Name:      "queue_depth",
			Help:      "Worker reported queue depth",
		},
		[]string{"pool"},
	)

	c.poolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workerpool",
			Name:      "utilization",
			Help:      "Pending tasks divided by worker count",
		},
		[]string{"pool"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔌 网关指标记录
// =============================================================================

// ConnectionOpened 记录新连接
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed 记录连接关闭
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// RecordInbound 记录客户端消息
func (c *Collector) RecordInbound(msgType string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues("in", msgType).Inc()
}

// RecordOutbound 记录服务端消息
func (c *Collector) RecordOutbound(msgType string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues("out", msgType).Inc()
}

// RecordClientError 记录发送给客户端的错误
func (c *Collector) RecordClientError(code string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(code).Inc()
}

// RecordSessionEnded 记录会话结束
func (c *Collector) RecordSessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
}

// RecordQualityFeedback 记录质量反馈评分
func (c *Collector) RecordQualityFeedback(category string, score float64) {
	if c == nil {
		return
	}
	if category == "" {
		category = "general"
	}
	c.qualityScore.WithLabelValues(category).Observe(score)
}

// =============================================================================
// 🎙️ 流水线指标记录
// =============================================================================

// RecordStage 记录单个阶段耗时
func (c *Collector) RecordStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordEndToEnd 记录端到端延迟
func (c *Collector) RecordEndToEnd(d time.Duration) {
	if c == nil {
		return
	}
	c.endToEndDuration.Observe(d.Seconds())
}

// RecordStageDegraded 记录阶段降级
func (c *Collector) RecordStageDegraded(stage string) {
	if c == nil {
		return
	}
	c.stageFallbacks.WithLabelValues(stage).Inc()
}

// RecordBackendCall 记录后端调用，签名与 broker.Observer 对齐
func (c *Collector) RecordBackendCall(kind, backend string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.backendCallsTotal.WithLabelValues(kind, backend, status).Inc()
	c.backendCallDuration.WithLabelValues(kind, backend).Observe(d.Seconds())
}

// =============================================================================
// ⚙️ 工作池指标记录
// =============================================================================

// RecordPool 记录工作池快照
func (c *Collector) RecordPool(pool, state string, pending, queueDepth int, utilization float64) {
	if c == nil {
		return
	}
	for _, s := range poolStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.poolState.WithLabelValues(pool, s).Set(v)
	}
	c.poolPending.WithLabelValues(pool).Set(float64(pending))
	c.poolQueueDepth.WithLabelValues(pool).Set(float64(queueDepth))
	c.poolUtilization.WithLabelValues(pool).Set(utilization)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
