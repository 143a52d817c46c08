package workerpool

import "time"

// Metrics 池指标快照，按需从池状态重新计算，不做持久化
type Metrics struct {
	PoolType       string  `json:"pool_type"`
	State          string  `json:"state"`
	WorkerCount    int     `json:"worker_count"`
	TasksSubmitted int64   `json:"tasks_submitted"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	TasksTimedOut  int64   `json:"tasks_timed_out"`
	Pending        int     `json:"pending"`
	QueueDepth     int     `json:"queue_depth"`
	Utilization    float64 `json:"utilization"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	UptimeSeconds  float64 `json:"uptime_seconds"`

	// Worker 子进程 get_metrics 原样返回的字段
	Worker map[string]any `json:"worker,omitempty"`
}

// Stats 返回本地计数快照，不与子进程交互
func (p *Pool) Stats() Metrics {
	p.mu.Lock()
	state := p.state
	pending := len(p.pending)
	readyAt := p.readyAt
	p.mu.Unlock()

	m := Metrics{
		PoolType:       p.poolType,
		State:          state.String(),
		WorkerCount:    p.cfg.WorkerCount,
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimedOut:  p.timedOut.Load(),
		Pending:        pending,
		QueueDepth:     pending,
		Utilization:    min(1, float64(pending)/float64(p.cfg.WorkerCount)),
	}
	if m.TasksCompleted > 0 {
		m.AvgLatencyMs = float64(p.latencyTotal.Load()) / float64(m.TasksCompleted) / float64(time.Millisecond)
	}
	if state.Accepting() && !readyAt.IsZero() {
		m.UptimeSeconds = time.Since(readyAt).Seconds()
	}
	return m
}

// mergeWorkerMetrics 以子进程上报的利用率与队列深度为准
func (p *Pool) mergeWorkerMetrics(fields map[string]any) Metrics {
	m := p.Stats()
	m.Worker = fields
	if v, ok := fields["utilization"].(float64); ok {
		m.Utilization = v
	}
	if v, ok := fields["queue_depth"].(float64); ok {
		m.QueueDepth = int(v)
	}
	return m
}
