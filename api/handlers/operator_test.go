package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/internal/latency"
	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/internal/workerpool"
)

type staticPools []workerpool.Metrics

func (p staticPools) PoolMetrics(context.Context) []workerpool.Metrics { return p }

func newOperatorFixture(t *testing.T) (*OperatorHandler, *session.Manager, *latency.Aggregator) {
	t.Helper()
	agg := latency.NewAggregator(10)
	sessions := session.NewManager(zap.NewNop())
	pools := staticPools{{PoolType: "stt", State: "ready", WorkerCount: 2}}
	return NewOperatorHandler(agg, pools, sessions, zap.NewNop()), sessions, agg
}

func TestOperatorHandler_Latency(t *testing.T) {
	h, _, agg := newOperatorFixture(t)
	for i := 1; i <= 5; i++ {
		agg.Record(latency.Entry{STTMs: 10, AgentMs: 20, TTSMs: 30, EndToEndMs: float64(i * 100)})
	}

	w := httptest.NewRecorder()
	h.HandleLatency(w, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/latency?recent=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap latency.Snapshot
	decodeData(t, w, &snap)
	assert.Equal(t, int64(5), snap.TotalEvents)
	assert.Equal(t, 300.0, snap.AvgEndToEndMs)
	assert.Equal(t, 500.0, snap.P95EndToEndMs)
	assert.Len(t, snap.Recent, 2)

	w = httptest.NewRecorder()
	h.HandleLatency(w, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/latency?recent=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperatorHandler_Pools(t *testing.T) {
	h, _, _ := newOperatorFixture(t)

	w := httptest.NewRecorder()
	h.HandlePools(w, httptest.NewRequest(http.MethodGet, "/api/v1/pools", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var pools []workerpool.Metrics
	decodeData(t, w, &pools)
	require.Len(t, pools, 1)
	assert.Equal(t, "stt", pools[0].PoolType)
	assert.Equal(t, 2, pools[0].WorkerCount)
}

func TestOperatorHandler_Sessions(t *testing.T) {
	h, sessions, _ := newOperatorFixture(t)
	s, err := sessions.Create("acme", session.ModeText)
	require.NoError(t, err)
	_, err = sessions.RecordLatency(s.ID, 120)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleListSessions(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list []SessionView
	decodeData(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
	assert.Equal(t, "acme", list[0].OwnerKey)
	assert.Equal(t, 1, list[0].Stats.MessagesProcessed)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+s.ID, nil)
	req.SetPathValue("id", s.ID)
	w = httptest.NewRecorder()
	h.HandleGetSession(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var view SessionView
	decodeData(t, w, &view)
	assert.Equal(t, session.ModeText, view.Mode)
	assert.Equal(t, 120.0, view.Stats.AvgLatencyMs)

	_, err = sessions.End(context.Background(), s.ID)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	h.HandleGetSession(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperatorHandler_SessionDurationUsesClock(t *testing.T) {
	h, sessions, _ := newOperatorFixture(t)
	s, err := sessions.Create("", session.ModeVoice)
	require.NoError(t, err)
	h.now = func() time.Time { return s.StartTime.Add(1500 * time.Millisecond) }

	w := httptest.NewRecorder()
	h.HandleListSessions(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	var list []SessionView
	decodeData(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1500), list[0].Stats.DurationMs)
}
