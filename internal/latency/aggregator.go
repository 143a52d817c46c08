package latency

import (
	"math"
	"sort"
	"sync/atomic"
)

// Snapshot 面向运维的滚动指标
type Snapshot struct {
	TotalEvents   int64   `json:"total_events"`
	WindowSize    int     `json:"window_size"`
	AvgSTTMs      float64 `json:"avg_stt_ms"`
	AvgAgentMs    float64 `json:"avg_agent_ms"`
	AvgTTSMs      float64 `json:"avg_tts_ms"`
	AvgEndToEndMs float64 `json:"avg_end_to_end_ms"`
	P95EndToEndMs float64 `json:"p95_end_to_end_ms"`
	Recent        []Entry `json:"recent,omitempty"`
}

// Aggregator 将每个事件汇入全局滚动历史
type Aggregator struct {
	history *History
	total   atomic.Int64
}

// NewAggregator 创建聚合器
func NewAggregator(capacity int) *Aggregator {
	return &Aggregator{history: NewHistory(capacity)}
}

// Record 汇入一个事件
func (a *Aggregator) Record(e Entry) {
	a.history.Add(e)
	a.total.Add(1)
}

// History 返回底层历史
func (a *Aggregator) History() *History { return a.history }

// Snapshot 计算窗口内的平均值；recent 指定附带的最新记录数
func (a *Aggregator) Snapshot(recent int) Snapshot {
	entries := a.history.Entries()
	snap := Snapshot{
		TotalEvents: a.total.Load(),
		WindowSize:  len(entries),
	}
	if len(entries) == 0 {
		return snap
	}

	e2e := make([]float64, len(entries))
	for i, e := range entries {
		snap.AvgSTTMs += e.STTMs
		snap.AvgAgentMs += e.AgentMs
		snap.AvgTTSMs += e.TTSMs
		snap.AvgEndToEndMs += e.EndToEndMs
		e2e[i] = e.EndToEndMs
	}
	n := float64(len(entries))
	snap.AvgSTTMs /= n
	snap.AvgAgentMs /= n
	snap.AvgTTSMs /= n
	snap.AvgEndToEndMs /= n

	sort.Float64s(e2e)
	snap.P95EndToEndMs = percentile(e2e, 0.95)

	if recent > 0 {
		snap.Recent = entries[max(0, len(entries)-recent):]
	}
	return snap
}

// percentile 最近秩法，sorted 须已升序
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
