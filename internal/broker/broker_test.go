package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voxflow/config"
	"github.com/BaSui01/voxflow/internal/workerpool"
)

// fakeBackend 按函数返回结果，并记录调用次数
type fakeBackend struct {
	name  string
	fn    func(kind Kind, payload any) (json.RawMessage, error)
	mu    sync.Mutex
	calls int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Execute(_ context.Context, kind Kind, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(kind, payload)
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func jsonBackend(name string, v any) *fakeBackend {
	return &fakeBackend{name: name, fn: func(Kind, any) (json.RawMessage, error) {
		return json.Marshal(v)
	}}
}

func failingBackend(name string, err error) *fakeBackend {
	return &fakeBackend{name: name, fn: func(Kind, any) (json.RawMessage, error) {
		return nil, err
	}}
}

// fakeStreamer 流式后端：先发出 parts，再返回 err
type fakeStreamer struct {
	fakeBackend
	parts [][]byte
	err   error
}

func (f *fakeStreamer) Stream(_ context.Context, _ Kind, _ any, emit func([]byte) error) error {
	for _, p := range f.parts {
		if err := emit(p); err != nil {
			return err
		}
	}
	return f.err
}

type recordedCall struct {
	kind    Kind
	backend string
	err     error
}

func collectChunks(t *testing.T, b *Broker, req TTSRequest) ([]TTSChunk, StreamSummary, error) {
	t.Helper()
	var chunks []TTSChunk
	summary, err := b.StreamTTS(context.Background(), req, func(c TTSChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, summary, err
}

// --- 路由与降级 ---

func TestBroker_NoBackendsUsesPlaceholder(t *testing.T) {
	b := New(zaptest.NewLogger(t))

	stt, err := b.ProcessSTTChunk(context.Background(), STTRequest{Audio: make([]byte, 32000)})
	require.NoError(t, err)
	assert.Equal(t, placeholderTranscript, stt.Text)
	assert.InDelta(t, 1.0, stt.Duration, 1e-9)

	reply, err := b.CallAgent(context.Background(), AgentRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hi", reply.Text)

	tts, err := b.CallTTS(context.Background(), TTSRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "pcm16", tts.Format)
	assert.NotEmpty(t, tts.Audio)
	assert.Greater(t, tts.Duration, 0.0)
}

func TestBroker_FallsBackOnTransientFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	observer := func(kind Kind, backend string, _ time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, recordedCall{kind, backend, err})
	}

	primary := failingBackend("pool", fmt.Errorf("%w: task t1", workerpool.ErrTaskTimeout))
	secondary := jsonBackend("remote", AgentResult{Text: "from remote"})
	b := New(zaptest.NewLogger(t), WithObserver(observer), WithBackends(KindAgent, primary, secondary))

	reply, err := b.CallAgent(context.Background(), AgentRequest{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "from remote", reply.Text)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, secondary.Calls())

	require.Len(t, calls, 2)
	assert.Equal(t, "pool", calls[0].backend)
	assert.Error(t, calls[0].err)
	assert.Equal(t, "remote", calls[1].backend)
	assert.NoError(t, calls[1].err)
}

func TestBroker_DoesNotFallBackOnTaskError(t *testing.T) {
	taskErr := &workerpool.TaskError{TaskID: "t1", Status: "error", Message: "bad input"}
	primary := failingBackend("pool", taskErr)
	secondary := jsonBackend("remote", STTResult{Text: "unused"})
	b := New(nil, WithBackends(KindSTT, primary, secondary))

	_, err := b.ProcessSTTChunk(context.Background(), STTRequest{})
	require.Error(t, err)
	var got *workerpool.TaskError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, 0, secondary.Calls())
}

func TestBroker_AllBackendsFail(t *testing.T) {
	b := New(nil, WithBackends(KindTTS,
		failingBackend("pool", workerpool.ErrPoolNotReady),
		failingBackend("oneshot", fmt.Errorf("%w: exited 1", ErrBackendUnavailable)),
	))

	_, err := b.CallTTS(context.Background(), TTSRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestBroker_InvalidResult(t *testing.T) {
	b := New(nil, WithBackends(KindAgent, &fakeBackend{name: "pool", fn: func(Kind, any) (json.RawMessage, error) {
		return json.RawMessage(`"not an object"`), nil
	}}))

	_, err := b.CallAgent(context.Background(), AgentRequest{Text: "q"})
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestBroker_UnstartedPoolFallsThrough(t *testing.T) {
	cfg := config.DefaultWorkerPoolConfig()
	cfg.Command = "/nonexistent/worker"
	pool := workerpool.New("stt", cfg, nil)
	remote := jsonBackend("remote", STTResult{Text: "remote text", Confidence: 0.9})

	b := New(nil, WithBackends(KindSTT, NewPoolBackend(pool, 0), remote))
	assert.True(t, b.HasFallback(KindSTT))
	assert.Contains(t, b.Pools(), KindSTT)

	res, err := b.ProcessSTTChunk(context.Background(), STTRequest{Audio: []byte{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "remote text", res.Text)
}

func TestBroker_StartAndShutdown(t *testing.T) {
	cfg := config.DefaultWorkersConfig()
	cfg.STT.Enabled = true
	cfg.STT.Command = "/nonexistent/stt-worker"
	cfg.TTS.FallbackURL = "http://127.0.0.1:1/tts"

	b := NewFromConfig(cfg, 1024, zaptest.NewLogger(t))
	require.Contains(t, b.Pools(), KindSTT)
	assert.False(t, b.HasFallback(KindSTT))
	assert.True(t, b.HasFallback(KindTTS))

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, workerpool.ErrProcessSpawn)

	assert.Equal(t, 0, b.QueueDepth())
	stats := b.PoolStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "terminated", stats[0].State)

	metrics := b.PoolMetrics(context.Background())
	require.Len(t, metrics, 1)
	assert.Equal(t, "stt", metrics[0].PoolType)

	assert.NoError(t, b.Shutdown(context.Background()))
}

// --- 流式合成 ---

func TestBroker_StreamTTS_FiveChunks(t *testing.T) {
	audio := bytes.Repeat([]byte{7}, 5*100)
	b := New(nil, WithChunkBytes(100), WithBackends(KindTTS, jsonBackend("pool", TTSResult{Audio: audio, SampleRate: 16000})))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "hello"})
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		assert.Equal(t, i == 4, c.Done, "chunk %d", i)
		assert.Len(t, c.Data, 100)
	}
	assert.Equal(t, 5, summary.Chunks)
	assert.Equal(t, 500, summary.Bytes)
	assert.Equal(t, "pool", summary.Backend)
	assert.InDelta(t, 500.0/32000.0, summary.Duration, 1e-9)
}

func TestBroker_StreamTTS_WorkerProvidedChunks(t *testing.T) {
	res := TTSResult{Chunks: [][]byte{{1}, {2, 2}, {3, 3, 3}}, Duration: 1.5}
	b := New(nil, WithBackends(KindTTS, jsonBackend("pool", res)))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "x"})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []byte{3, 3, 3}, chunks[2].Data)
	assert.True(t, chunks[2].Done)
	assert.InDelta(t, 1.5, summary.Duration, 1e-9)
}

func TestBroker_StreamTTS_EmptyAudioEmitsSingleDoneChunk(t *testing.T) {
	b := New(nil, WithBackends(KindTTS, jsonBackend("pool", TTSResult{})))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "x"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	assert.Empty(t, chunks[0].Data)
	assert.Equal(t, 1, summary.Chunks)
}

func TestBroker_StreamTTS_FallbackBeforeFirstChunk(t *testing.T) {
	broken := &fakeStreamer{
		fakeBackend: fakeBackend{name: "remote"},
		err:         fmt.Errorf("%w: connection refused", ErrBackendUnavailable),
	}
	b := New(nil, WithChunkBytes(2), WithBackends(KindTTS, broken, jsonBackend("oneshot", TTSResult{Audio: []byte{1, 2, 3}})))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "x"})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "oneshot", summary.Backend)
}

func TestBroker_StreamTTS_HeldChunkDiscardedOnFallback(t *testing.T) {
	// 第一个分片仍被保留（尚未发出）时失败，可以安全切换
	broken := &fakeStreamer{
		fakeBackend: fakeBackend{name: "remote"},
		parts:       [][]byte{{9, 9}},
		err:         fmt.Errorf("%w: reset", ErrBackendUnavailable),
	}
	b := New(nil, WithBackends(KindTTS, broken, jsonBackend("oneshot", TTSResult{Audio: []byte{1}})))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "x"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{1}, chunks[0].Data)
	assert.Equal(t, 1, summary.Bytes)
}

func TestBroker_StreamTTS_FailureAfterOutputIsReturned(t *testing.T) {
	broken := &fakeStreamer{
		fakeBackend: fakeBackend{name: "remote"},
		parts:       [][]byte{{1}, {2}, {3}},
		err:         fmt.Errorf("%w: reset", ErrBackendUnavailable),
	}
	next := jsonBackend("oneshot", TTSResult{Audio: []byte{1}})
	b := New(nil, WithBackends(KindTTS, broken, next))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "x"})
	require.Error(t, err)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 2, summary.Chunks)
	assert.Equal(t, 0, next.Calls())
}

func TestBroker_StreamTTS_EmitErrorStops(t *testing.T) {
	b := New(nil, WithChunkBytes(1), WithBackends(KindTTS, jsonBackend("pool", TTSResult{Audio: []byte{1, 2, 3}})))
	closed := errors.New("connection closed")

	_, err := b.StreamTTS(context.Background(), TTSRequest{Text: "x"}, func(TTSChunk) error { return closed })
	assert.ErrorIs(t, err, closed)
}

func TestBroker_StreamTTS_WholeResultFailureIsMarked(t *testing.T) {
	pool := failingBackend("pool", fmt.Errorf("wrap: %w", workerpool.ErrTaskTimeout))
	b := New(nil, WithBackends(KindTTS, pool))

	chunks, _, err := collectChunks(t, b, TTSRequest{Text: "x"})
	require.Error(t, err)
	assert.Empty(t, chunks)
	assert.ErrorIs(t, err, ErrWholeResultTried)
	assert.ErrorIs(t, err, workerpool.ErrTaskTimeout)
	assert.Equal(t, 1, pool.Calls())

	// 有流式后端参与时不标记，整段合成仍值得一试
	streamer := &fakeStreamer{
		fakeBackend: fakeBackend{name: "remote"},
		err:         fmt.Errorf("%w: reset", ErrBackendUnavailable),
	}
	b = New(nil, WithBackends(KindTTS, failingBackend("pool", workerpool.ErrPoolNotReady), streamer))
	_, _, err = collectChunks(t, b, TTSRequest{Text: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWholeResultTried)
}

func TestBroker_StreamTTS_Placeholder(t *testing.T) {
	b := New(nil, WithChunkBytes(4096))

	chunks, summary, err := collectChunks(t, b, TTSRequest{Text: "hello world"})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Done)
	assert.Equal(t, "placeholder", summary.Backend)
	assert.InDelta(t, 0.66, summary.Duration, 1e-6)
}

// --- 分类 ---

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"task timeout", fmt.Errorf("wrap: %w", workerpool.ErrTaskTimeout), true},
		{"terminated", workerpool.ErrPoolTerminated, true},
		{"not ready", workerpool.ErrPoolNotReady, true},
		{"spawn", workerpool.ErrProcessSpawn, true},
		{"startup timeout", workerpool.ErrStartupTimeout, true},
		{"backend unavailable", ErrBackendUnavailable, true},
		{"task error", &workerpool.TaskError{TaskID: "x"}, false},
		{"remote 4xx", &RemoteError{StatusCode: 400}, false},
		{"invalid result", ErrInvalidResult, false},
		{"context canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
