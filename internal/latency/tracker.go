package latency

import "time"

// Stage 流水线阶段
type Stage string

const (
	StageSTT   Stage = "stt"
	StageAgent Stage = "agent"
	StageTTS   Stage = "tts"
)

// maxClientSkew 客户端时间戳与服务端时间相差超过此值时视为不可信
const maxClientSkew = time.Hour

// Entry 一次事件的各阶段耗时（毫秒）
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	STTMs      float64   `json:"stt_ms"`
	AgentMs    float64   `json:"agent_ms"`
	TTSMs      float64   `json:"tts_ms"`
	EndToEndMs float64   `json:"end_to_end_ms"`
}

// Tracker 记录单个事件的阶段耗时；仅由处理该事件的协程使用
type Tracker struct {
	now      func() time.Time
	origin   time.Time
	received time.Time
	stages   map[Stage]time.Duration
}

// NewTracker 以客户端时间戳（Unix 毫秒）为端到端起点；
// 时间戳缺失或偏差过大时以服务端接收时间为起点
func NewTracker(clientTimestampMs int64, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	received := now()
	origin := received
	if clientTimestampMs > 0 {
		ts := time.UnixMilli(clientTimestampMs)
		if skew := received.Sub(ts); skew >= 0 && skew <= maxClientSkew {
			origin = ts
		}
	}
	return &Tracker{
		now:      now,
		origin:   origin,
		received: received,
		stages:   make(map[Stage]time.Duration, 3),
	}
}

// Begin 开始计时，返回的函数结束计时并返回该阶段耗时
func (t *Tracker) Begin(stage Stage) func() time.Duration {
	start := t.now()
	return func() time.Duration {
		d := t.now().Sub(start)
		t.stages[stage] += d
		return d
	}
}

// Record 直接记录阶段耗时
func (t *Tracker) Record(stage Stage, d time.Duration) {
	t.stages[stage] += d
}

// Stage 返回阶段耗时
func (t *Tracker) Stage(stage Stage) time.Duration {
	return t.stages[stage]
}

// Finish 生成历史记录
func (t *Tracker) Finish() Entry {
	end := t.now()
	return Entry{
		Timestamp:  end,
		STTMs:      Millis(t.stages[StageSTT]),
		AgentMs:    Millis(t.stages[StageAgent]),
		TTSMs:      Millis(t.stages[StageTTS]),
		EndToEndMs: Millis(end.Sub(t.origin)),
	}
}

// Millis 将时长转为毫秒浮点数
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
