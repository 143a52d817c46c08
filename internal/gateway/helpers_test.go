package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/config"
	"github.com/BaSui01/voxflow/internal/apikey"
	"github.com/BaSui01/voxflow/internal/broker"
	"github.com/BaSui01/voxflow/internal/session"
)

// =============================================================================
// 🧪 测试后端
// =============================================================================

type funcBackend struct {
	name    string
	execute func(payload any) (any, error)
}

func (b *funcBackend) Name() string { return b.name }

func (b *funcBackend) Execute(_ context.Context, _ broker.Kind, payload any) (json.RawMessage, error) {
	out, err := b.execute(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type streamBackend struct {
	funcBackend
	stream func(emit func([]byte) error) error
}

func (b *streamBackend) Stream(_ context.Context, _ broker.Kind, _ any, emit func([]byte) error) error {
	return b.stream(emit)
}

func failingBackend(name string, err error) *funcBackend {
	return &funcBackend{name: name, execute: func(any) (any, error) { return nil, err }}
}

func chunkStreamer(n int) *streamBackend {
	return &streamBackend{
		funcBackend: funcBackend{name: "stream", execute: func(any) (any, error) {
			return broker.TTSResult{Audio: []byte("whole"), Duration: 0.5}, nil
		}},
		stream: func(emit func([]byte) error) error {
			for i := 0; i < n; i++ {
				if err := emit([]byte{byte(i), byte(i)}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

type fakeKeys struct {
	mu    sync.Mutex
	keys  map[string]*apikey.APIKey
	usage map[uint]int64
}

func newFakeKeys(keys ...*apikey.APIKey) *fakeKeys {
	f := &fakeKeys{keys: map[string]*apikey.APIKey{}, usage: map[uint]int64{}}
	for _, k := range keys {
		f.keys[k.Key] = k
	}
	return f
}

func (f *fakeKeys) GetAPIKeyByKey(_ context.Context, key string) (*apikey.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[key]
	if !ok {
		return nil, apikey.ErrKeyNotFound
	}
	return k, nil
}

func (f *fakeKeys) IncrementUsage(_ context.Context, id uint, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[id] += n
	return nil
}

// panickyKeys 前 n 次查询直接 panic
type panickyKeys struct {
	*fakeKeys
	remaining atomic.Int32
}

func (p *panickyKeys) GetAPIKeyByKey(ctx context.Context, key string) (*apikey.APIKey, error) {
	if p.remaining.Add(-1) >= 0 {
		panic("key store exploded")
	}
	return p.fakeKeys.GetAPIKeyByKey(ctx, key)
}

func (f *fakeKeys) Usage(id uint) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[id]
}

// =============================================================================
// 🧪 测试环境
// =============================================================================

type testEnv struct {
	gw       *Gateway
	sessions *session.Manager
	srv      *httptest.Server
}

func testGatewayConfig() config.GatewayConfig {
	cfg := config.DefaultConfig().Gateway
	cfg.IdleTimeout = 0
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

func newTestEnv(t *testing.T, cfg config.GatewayConfig, b *broker.Broker, opts ...Option) *testEnv {
	t.Helper()
	if b == nil {
		b = broker.New(zap.NewNop())
	}
	sessions := session.NewManager(zap.NewNop())
	gw := New(cfg, b, sessions, zap.NewNop(), opts...)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{gw: gw, sessions: sessions, srv: srv}
}

func (e *testEnv) dial(t *testing.T, header http.Header) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &testClient{t: t, conn: conn}
}

// frame 服务端消息的宽松解码
type frame struct {
	Type            string        `json:"type"`
	EventID         string        `json:"eventId"`
	SessionID       string        `json:"sessionId"`
	Text            string        `json:"text"`
	Confidence      float64       `json:"confidence"`
	Language        string        `json:"language"`
	Duration        float64       `json:"duration"`
	Latency         float64       `json:"latency"`
	Status          string        `json:"status"`
	Chunk           []byte        `json:"chunk"`
	Sequence        int           `json:"sequence"`
	Done            bool          `json:"done"`
	STTLatency      float64       `json:"sttLatency"`
	EndToEndLatency float64       `json:"endToEndLatency"`
	Active          int           `json:"activeConnections"`
	Reason          string        `json:"reason"`
	Stats           session.Stats `json:"stats"`
	Code            string        `json:"code"`
	Message         string        `json:"message"`
	Recoverable     bool          `json:"recoverable"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *testClient) send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, v))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(data)))
}

func (c *testClient) read() (frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

func (c *testClient) next() frame {
	c.t.Helper()
	f, err := c.read()
	require.NoError(c.t, err)
	return f
}

// until 读取直到出现指定类型的消息，返回包括它在内的全部消息
func (c *testClient) until(typ string) []frame {
	c.t.Helper()
	var frames []frame
	for {
		f := c.next()
		frames = append(frames, f)
		if f.Type == typ {
			return frames
		}
	}
}

// expectClosed 断言连接被服务端关闭并返回关闭码
func (c *testClient) expectClosed() websocket.StatusCode {
	c.t.Helper()
	for {
		_, err := c.read()
		if err != nil {
			require.False(c.t, errors.Is(err, context.DeadlineExceeded), "connection was not closed")
			return websocket.CloseStatus(err)
		}
	}
}

func (c *testClient) init(eventID string, cfg map[string]any) frame {
	c.t.Helper()
	msg := map[string]any{"type": TypeInit, "eventId": eventID}
	if cfg != nil {
		msg["config"] = cfg
	}
	c.send(msg)
	f := c.next()
	require.Equal(c.t, TypeReady, f.Type, "unexpected frame: %+v", f)
	return f
}

func audioChunk(eventID string) map[string]any {
	return map[string]any{
		"type":      TypeAudioChunk,
		"eventId":   eventID,
		"chunk":     []byte{1, 2, 3, 4},
		"timestamp": time.Now().UnixMilli(),
	}
}

func textInput(eventID, text string) map[string]any {
	return map[string]any{
		"type":      TypeTextInput,
		"eventId":   eventID,
		"text":      text,
		"timestamp": time.Now().UnixMilli(),
	}
}

func typesOf(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}
