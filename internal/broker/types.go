package broker

// Kind 推理任务类别
type Kind string

const (
	KindSTT   Kind = "stt"
	KindTTS   Kind = "tts"
	KindAgent Kind = "agent"
)

// Kinds 全部类别，按流水线顺序
var Kinds = []Kind{KindSTT, KindAgent, KindTTS}

// STTRequest 语音识别请求
type STTRequest struct {
	SessionID  string `json:"session_id"`
	Audio      []byte `json:"audio"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
}

// STTResult 语音识别结果
type STTResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"` // 音频时长（秒）
	Partial    bool    `json:"partial"`
}

// AgentRequest 对话请求
type AgentRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Mode      string `json:"mode,omitempty"`
}

// AgentResult 对话回复
type AgentResult struct {
	Text string `json:"text"`
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Format    string `json:"format,omitempty"`
}

// TTSResult 语音合成结果；Chunks 非空时按 worker 给出的分片流式输出
type TTSResult struct {
	Audio      []byte   `json:"audio,omitempty"`
	Chunks     [][]byte `json:"chunks,omitempty"`
	Format     string   `json:"format,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Duration   float64  `json:"duration,omitempty"`
}

// TTSChunk 流式合成的一个音频分片
type TTSChunk struct {
	Data     []byte
	Sequence int
	Done     bool
}

// StreamSummary 流式合成完成后的汇总
type StreamSummary struct {
	Chunks   int
	Bytes    int
	Duration float64
	Backend  string
}
