package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/voxflow/internal/session"
)

// 客户端消息类型
const (
	TypeInit            = "init"
	TypeAudioChunk      = "audio_chunk"
	TypeTextInput       = "text_input"
	TypePause           = "pause"
	TypeResume          = "resume"
	TypeEnd             = "end"
	TypeQualityFeedback = "quality_feedback"
)

// 服务端消息类型
const (
	TypeReady         = "ready"
	TypeSTTPartial    = "stt_partial"
	TypeSTTFinal      = "stt_final"
	TypeAgentThinking = "agent_thinking"
	TypeAgentReply    = "agent_reply"
	TypeTTSChunk      = "tts_chunk"
	TypeTTSComplete   = "tts_complete"
	TypeMetrics       = "metrics"
	TypeEnded         = "ended"
	TypeError         = "error"
)

// 质量反馈评分范围
const (
	minQualityScore = 0
	maxQualityScore = 5
)

// =============================================================================
// 📥 客户端消息
// =============================================================================

// ClientMessage 客户端消息的封闭联合类型
type ClientMessage interface {
	MessageType() string
	ID() string
	clientMessage()
}

type clientHeader struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
}

func (h clientHeader) ID() string   { return h.EventID }
func (clientHeader) clientMessage() {}

// InitConfig 会话初始化参数
type InitConfig struct {
	Mode       string `json:"mode,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Language   string `json:"language,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// InitMessage 创建会话
type InitMessage struct {
	clientHeader
	Config InitConfig `json:"config"`
}

func (InitMessage) MessageType() string { return TypeInit }

// AudioChunkMessage 一段音频，chunk 为 base64 编码
type AudioChunkMessage struct {
	clientHeader
	Chunk     []byte `json:"chunk"`
	Timestamp int64  `json:"timestamp"`
}

func (AudioChunkMessage) MessageType() string { return TypeAudioChunk }

// TextInputMessage 文本输入，跳过语音识别
type TextInputMessage struct {
	clientHeader
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (TextInputMessage) MessageType() string { return TypeTextInput }

// PauseMessage 暂停处理
type PauseMessage struct{ clientHeader }

func (PauseMessage) MessageType() string { return TypePause }

// ResumeMessage 恢复处理
type ResumeMessage struct{ clientHeader }

func (ResumeMessage) MessageType() string { return TypeResume }

// EndMessage 结束会话
type EndMessage struct{ clientHeader }

func (EndMessage) MessageType() string { return TypeEnd }

// QualityFeedbackMessage 质量反馈
type QualityFeedbackMessage struct {
	clientHeader
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Comment  string  `json:"comment,omitempty"`
}

func (QualityFeedbackMessage) MessageType() string { return TypeQualityFeedback }

// DecodeClientMessage 解析一帧客户端消息。
// 非法 JSON 与未知类型返回不可恢复的 MessageParseError；
// 已知类型的字段校验失败返回可恢复的 MessageParseError。
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var h clientHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &MessageParseError{Reason: "invalid JSON", Err: err}
	}
	if h.Type == "" {
		return nil, &MessageParseError{Reason: "missing message type"}
	}

	var (
		msg ClientMessage
		err error
	)
	switch h.Type {
	case TypeInit:
		msg, err = decodeAs[InitMessage](data)
	case TypeAudioChunk:
		msg, err = decodeAs[AudioChunkMessage](data)
	case TypeTextInput:
		msg, err = decodeAs[TextInputMessage](data)
	case TypePause:
		msg, err = decodeAs[PauseMessage](data)
	case TypeResume:
		msg, err = decodeAs[ResumeMessage](data)
	case TypeEnd:
		msg, err = decodeAs[EndMessage](data)
	case TypeQualityFeedback:
		msg, err = decodeAs[QualityFeedbackMessage](data)
	default:
		return nil, &MessageParseError{Type: h.Type, EventID: h.EventID, Reason: fmt.Sprintf("unknown message type %q", h.Type)}
	}
	if err != nil {
		return nil, &MessageParseError{Type: h.Type, EventID: h.EventID, Reason: "invalid " + h.Type + " payload", Err: err}
	}

	if reason := validate(msg); reason != "" {
		return nil, &MessageParseError{Type: h.Type, EventID: h.EventID, Reason: reason, Recoverable: true}
	}
	return msg, nil
}

func decodeAs[T ClientMessage](data []byte) (ClientMessage, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func validate(msg ClientMessage) string {
	switch m := msg.(type) {
	case InitMessage:
		if _, err := session.ParseMode(m.Config.Mode); err != nil {
			return err.Error()
		}
		if m.Config.SampleRate < 0 {
			return "sampleRate must not be negative"
		}
	case AudioChunkMessage:
		if len(m.Chunk) == 0 {
			return "audio_chunk requires a non-empty chunk"
		}
	case TextInputMessage:
		if strings.TrimSpace(m.Text) == "" {
			return "text_input requires non-empty text"
		}
	case QualityFeedbackMessage:
		if m.Score < minQualityScore || m.Score > maxQualityScore {
			return fmt.Sprintf("score must be between %d and %d", minQualityScore, maxQualityScore)
		}
	}
	return ""
}

// =============================================================================
// 📤 服务端消息
// =============================================================================

// ServerMessage 服务端消息的封闭联合类型
type ServerMessage interface {
	MessageType() string
	header() *Header
}

// Header 所有服务端消息共有的字段；EventID 关联触发它的客户端事件
type Header struct {
	Type    string `json:"type"`
	EventID string `json:"eventId,omitempty"`
}

func (h *Header) header() *Header { return h }

// ReadyMessage 会话已创建
type ReadyMessage struct {
	Header
	SessionID string `json:"sessionId"`
}

func (*ReadyMessage) MessageType() string { return TypeReady }

// STTPartialMessage 中间识别结果
type STTPartialMessage struct {
	Header
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (*STTPartialMessage) MessageType() string { return TypeSTTPartial }

// STTFinalMessage 最终识别结果；Duration 为音频秒数，Latency 为阶段毫秒数
type STTFinalMessage struct {
	Header
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
	Latency    float64 `json:"latency"`
}

func (*STTFinalMessage) MessageType() string { return TypeSTTFinal }

// AgentThinkingMessage 对话阶段开始
type AgentThinkingMessage struct {
	Header
	Status string `json:"status"`
}

func (*AgentThinkingMessage) MessageType() string { return TypeAgentThinking }

// AgentReplyMessage 对话回复；Timestamp 为 Unix 毫秒
type AgentReplyMessage struct {
	Header
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (*AgentReplyMessage) MessageType() string { return TypeAgentReply }

// TTSChunkMessage 音频分片，chunk 为 base64 编码
type TTSChunkMessage struct {
	Header
	Chunk    []byte `json:"chunk"`
	Sequence int    `json:"sequence"`
	Done     bool   `json:"done"`
}

func (*TTSChunkMessage) MessageType() string { return TypeTTSChunk }

// TTSCompleteMessage 合成结束；Duration 为音频秒数，Latency 为阶段毫秒数
type TTSCompleteMessage struct {
	Header
	Duration float64 `json:"duration"`
	Latency  float64 `json:"latency"`
}

func (*TTSCompleteMessage) MessageType() string { return TypeTTSComplete }

// MetricsMessage 单个事件的延迟统计（毫秒）
type MetricsMessage struct {
	Header
	STTLatency        float64 `json:"sttLatency"`
	TTSLatency        float64 `json:"ttsLatency"`
	AgentLatency      float64 `json:"agentLatency"`
	EndToEndLatency   float64 `json:"endToEndLatency"`
	ActiveConnections int     `json:"activeConnections"`
	QueueDepth        int     `json:"queueDepth"`
}

func (*MetricsMessage) MessageType() string { return TypeMetrics }

// EndedMessage 会话已结束
type EndedMessage struct {
	Header
	Reason string        `json:"reason"`
	Stats  session.Stats `json:"stats"`
}

func (*EndedMessage) MessageType() string { return TypeEnded }

// ErrorMessage 错误通知；Recoverable 为 false 时客户端应重连
type ErrorMessage struct {
	Header
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (*ErrorMessage) MessageType() string { return TypeError }

// stamp 填充类型与事件 ID
func stamp(msg ServerMessage, eventID string) ServerMessage {
	h := msg.header()
	h.Type = msg.MessageType()
	h.EventID = eventID
	return msg
}
