package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	placeholderSampleRate = 16000
	placeholderToneHz     = 440.0
	placeholderTranscript = "(audio not recognized)"
)

// Placeholder 降级后端：固定转写文本、回声式对话、正弦提示音。
// 无任何后端可用时流水线依旧能走完。
type Placeholder struct{}

// NewPlaceholder 创建降级后端
func NewPlaceholder() *Placeholder { return &Placeholder{} }

func (p *Placeholder) Name() string { return "placeholder" }

// Execute 按请求类型返回降级结果
func (p *Placeholder) Execute(_ context.Context, kind Kind, payload any) (json.RawMessage, error) {
	var out any
	switch req := payload.(type) {
	case STTRequest:
		out = p.STT(req)
	case AgentRequest:
		out = p.Agent(req)
	case TTSRequest:
		out = p.TTS(req)
	default:
		return nil, fmt.Errorf("placeholder: unsupported %s payload %T", kind, payload)
	}
	return json.Marshal(out)
}

// STT 返回固定的降级转写
func (p *Placeholder) STT(req STTRequest) STTResult {
	rate := req.SampleRate
	if rate <= 0 {
		rate = placeholderSampleRate
	}
	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	return STTResult{
		Text:       placeholderTranscript,
		Confidence: 0,
		Language:   lang,
		Duration:   float64(len(req.Audio)) / float64(rate*2),
	}
}

// Agent 回声式回复
func (p *Placeholder) Agent(req AgentRequest) AgentResult {
	return AgentResult{Text: "You said: " + req.Text}
}

// TTS 生成 16kHz 单声道 PCM16 正弦提示音，时长随文本长度变化
func (p *Placeholder) TTS(req TTSRequest) TTSResult {
	d := time.Duration(len([]rune(req.Text))) * 60 * time.Millisecond
	d = max(300*time.Millisecond, min(d, 3*time.Second))
	audio := sineTone(placeholderToneHz, d, placeholderSampleRate)
	return TTSResult{
		Audio:      audio,
		Format:     "pcm16",
		SampleRate: placeholderSampleRate,
		Duration:   d.Seconds(),
	}
}

func sineTone(freq float64, d time.Duration, rate int) []byte {
	samples := int(d.Seconds() * float64(rate))
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}
