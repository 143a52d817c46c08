package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/internal/latency"
	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/internal/workerpool"
	"github.com/BaSui01/voxflow/types"
)

// =============================================================================
// 📊 运维查询 Handler
// =============================================================================

const (
	defaultRecentEvents = 20
	maxRecentEvents     = 1000

	poolMetricsTimeout = 3 * time.Second
)

// LatencySource 延迟聚合快照
type LatencySource interface {
	Snapshot(recent int) latency.Snapshot
}

// PoolMetricsSource 各 worker 池的指标
type PoolMetricsSource interface {
	PoolMetrics(ctx context.Context) []workerpool.Metrics
}

// SessionSource 活跃会话查询
type SessionSource interface {
	Active() []session.Session
	Get(id string) (session.Session, bool)
}

// OperatorHandler 只读运维接口：延迟趋势、worker 池与活跃会话
type OperatorHandler struct {
	latency  LatencySource
	pools    PoolMetricsSource
	sessions SessionSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewOperatorHandler 创建运维处理器
func NewOperatorHandler(lat LatencySource, pools PoolMetricsSource, sessions SessionSource, logger *zap.Logger) *OperatorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperatorHandler{
		latency:  lat,
		pools:    pools,
		sessions: sessions,
		logger:   logger.With(zap.String("component", "operator_api")),
		now:      time.Now,
	}
}

// SessionView 会话及其当前汇总
type SessionView struct {
	session.Session
	Stats session.Stats `json:"stats"`
}

// HandleLatency GET /api/v1/metrics/latency?recent=N
// @Summary 延迟指标
// @Description 全局滚动窗口内各阶段平均延迟、P95 与最近事件
// @Tags 运维
// @Produce json
// @Param recent query int false "返回最近事件条数"
// @Success 200 {object} Response{data=latency.Snapshot}
// @Router /api/v1/metrics/latency [get]
func (h *OperatorHandler) HandleLatency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	recent := defaultRecentEvents
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "recent must be a non-negative integer", h.logger)
			return
		}
		recent = min(n, maxRecentEvents)
	}

	WriteSuccess(w, h.latency.Snapshot(recent))
}

// HandlePools GET /api/v1/pools
// @Summary Worker 池指标
// @Tags 运维
// @Produce json
// @Success 200 {object} Response{data=[]workerpool.Metrics}
// @Router /api/v1/pools [get]
func (h *OperatorHandler) HandlePools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), poolMetricsTimeout)
	defer cancel()
	WriteSuccess(w, h.pools.PoolMetrics(ctx))
}

// HandleListSessions GET /api/v1/sessions
// @Summary 活跃会话
// @Tags 运维
// @Produce json
// @Success 200 {object} Response{data=[]SessionView}
// @Router /api/v1/sessions [get]
func (h *OperatorHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	now := h.now()
	active := h.sessions.Active()
	out := make([]SessionView, 0, len(active))
	for _, s := range active {
		out = append(out, SessionView{Session: s, Stats: s.Stats(now)})
	}
	WriteSuccess(w, out)
}

// HandleGetSession GET /api/v1/sessions/{id}
// @Summary 查询活跃会话
// @Tags 运维
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response{data=SessionView}
// @Failure 404 {object} Response
// @Router /api/v1/sessions/{id} [get]
func (h *OperatorHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session ID is required", h.logger)
		return
	}
	s, ok := h.sessions.Get(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "session not found", h.logger)
		return
	}
	WriteSuccess(w, SessionView{Session: s, Stats: s.Stats(h.now())})
}
