package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/types"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantType    string
		wantID      string
		wantErr     bool
		recoverable bool
	}{
		{name: "init", input: `{"type":"init","eventId":"e1","config":{"mode":"text","language":"en"}}`, wantType: TypeInit, wantID: "e1"},
		{name: "init without config", input: `{"type":"init"}`, wantType: TypeInit},
		{name: "audio", input: `{"type":"audio_chunk","eventId":"a1","chunk":"AQID","timestamp":1}`, wantType: TypeAudioChunk, wantID: "a1"},
		{name: "text", input: `{"type":"text_input","eventId":"t1","text":"hi"}`, wantType: TypeTextInput, wantID: "t1"},
		{name: "pause", input: `{"type":"pause"}`, wantType: TypePause},
		{name: "resume", input: `{"type":"resume"}`, wantType: TypeResume},
		{name: "end", input: `{"type":"end","eventId":"x"}`, wantType: TypeEnd, wantID: "x"},
		{name: "feedback", input: `{"type":"quality_feedback","category":"audio","score":3.5}`, wantType: TypeQualityFeedback},

		{name: "invalid json", input: `{"type":`, wantErr: true},
		{name: "missing type", input: `{"eventId":"e1"}`, wantErr: true},
		{name: "unknown type", input: `{"type":"sing","eventId":"s1"}`, wantErr: true, wantID: "s1"},
		{name: "wrong field type", input: `{"type":"text_input","text":42}`, wantErr: true},
		{name: "bad base64 chunk", input: `{"type":"audio_chunk","chunk":"***"}`, wantErr: true},

		{name: "empty chunk", input: `{"type":"audio_chunk","eventId":"a2"}`, wantErr: true, recoverable: true, wantID: "a2"},
		{name: "blank text", input: `{"type":"text_input","text":"   "}`, wantErr: true, recoverable: true},
		{name: "bad mode", input: `{"type":"init","config":{"mode":"video"}}`, wantErr: true, recoverable: true},
		{name: "negative sample rate", input: `{"type":"init","config":{"sampleRate":-1}}`, wantErr: true, recoverable: true},
		{name: "score too high", input: `{"type":"quality_feedback","score":5.1}`, wantErr: true, recoverable: true},
		{name: "score negative", input: `{"type":"quality_feedback","score":-1}`, wantErr: true, recoverable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.input))
			if tt.wantErr {
				var pe *MessageParseError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.recoverable, pe.Recoverable)
				assert.Equal(t, tt.wantID, pe.EventID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.MessageType())
			assert.Equal(t, tt.wantID, msg.ID())
		})
	}
}

func TestDecodeClientMessage_Payloads(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"init","config":{"mode":"hybrid","apiKey":"k","voice":"alloy","format":"pcm16","sampleRate":16000}}`))
	require.NoError(t, err)
	im, ok := msg.(InitMessage)
	require.True(t, ok)
	assert.Equal(t, InitConfig{Mode: "hybrid", APIKey: "k", Voice: "alloy", Format: "pcm16", SampleRate: 16000}, im.Config)

	msg, err = DecodeClientMessage([]byte(`{"type":"audio_chunk","chunk":"AQID","timestamp":1700000000000}`))
	require.NoError(t, err)
	audio := msg.(AudioChunkMessage)
	assert.Equal(t, []byte{1, 2, 3}, audio.Chunk)
	assert.Equal(t, int64(1700000000000), audio.Timestamp)

	msg, err = DecodeClientMessage([]byte(`{"type":"quality_feedback","category":"latency","score":2,"comment":"slow"}`))
	require.NoError(t, err)
	fb := msg.(QualityFeedbackMessage)
	assert.Equal(t, "latency", fb.Category)
	assert.Equal(t, 2.0, fb.Score)
	assert.Equal(t, "slow", fb.Comment)
}

func TestServerMessageEncoding(t *testing.T) {
	msg := stamp(&TTSChunkMessage{Chunk: []byte{0xff}, Sequence: 3, Done: true}, "e9")
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tts_chunk","eventId":"e9","chunk":"/w==","sequence":3,"done":true}`, string(data))

	// 无事件 ID 时省略该字段
	data, err = json.Marshal(stamp(&EndedMessage{Reason: "client_end", Stats: session.Stats{MessagesProcessed: 2, ErrorCount: 1}}, ""))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "ended", out["type"])
	assert.NotContains(t, out, "eventId")
	stats := out["stats"].(map[string]any)
	assert.Equal(t, 2.0, stats["messagesProcessed"])
	assert.Equal(t, 1.0, stats["errorCount"])
	assert.Contains(t, stats, "averageLatency")
	assert.Contains(t, stats, "duration")
}

func TestToErrorMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		code        types.ErrorCode
		recoverable bool
	}{
		{"no session", &NoSessionError{Type: TypeAudioChunk}, types.ErrNoSession, true},
		{"fatal parse", &MessageParseError{Reason: "invalid JSON"}, types.ErrMessageParse, false},
		{"field parse", &MessageParseError{Reason: "empty", Recoverable: true}, types.ErrMessageParse, true},
		{"typed retryable", types.NewError(types.ErrSessionPaused, "paused").WithRetryable(true), types.ErrSessionPaused, true},
		{"typed fatal", types.NewError(types.ErrUnauthorized, "bad key"), types.ErrUnauthorized, false},
		{"wrapped typed", &HandlerError{Op: "x", Err: types.NewError(types.ErrRateLimited, "slow down").WithRetryable(true)}, types.ErrRateLimited, true},
		{"handler", &HandlerError{Op: TypeInit, Err: errors.New("boom")}, types.ErrHandlerFailure, true},
		{"plain", fmt.Errorf("unexpected"), types.ErrHandlerFailure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			em := toErrorMessage(tt.err)
			assert.Equal(t, string(tt.code), em.Code)
			assert.Equal(t, tt.recoverable, em.Recoverable)
			assert.NotEmpty(t, em.Message)
		})
	}
}
