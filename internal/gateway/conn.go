package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/voxflow/internal/apikey"
	"github.com/BaSui01/voxflow/internal/session"
	"github.com/BaSui01/voxflow/types"
)

// 会话结束原因
const (
	reasonClientEnd    = "client_end"
	reasonClosed       = "connection_closed"
	reasonIdle         = "idle_timeout"
	reasonShutdown     = "server_shutdown"
	reasonProtocol     = "protocol_error"
	reasonUnauthorized = "unauthorized"
)

// errConnectionDone 连接已进入结束流程，读循环应退出
var errConnectionDone = errors.New("connection done")

// connection 单个 WebSocket 连接的状态。
// 读循环是唯一修改会话归属的协程，流水线事件在独立协程中执行。
type connection struct {
	id     string
	gw     *Gateway
	ws     *websocket.Conn
	logger *zap.Logger

	// ctx 覆盖该连接上的所有流水线事件
	ctx    context.Context
	cancel context.CancelFunc

	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	active   atomic.Int32

	headerKey string
	authOwner string

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	mode      session.Mode
	settings  InitConfig
	keyID     uint
	paused    bool
	draining  bool

	lastActivity atomic.Int64
	messageCount atomic.Int64

	finishOnce sync.Once
}

func newConnection(g *Gateway, ws *websocket.Conn, r *http.Request) *connection {
	ctx, cancel := context.WithCancel(g.baseCtx)
	id := uuid.NewString()
	owner, _ := types.OwnerKey(r.Context())
	c := &connection{
		id:        id,
		gw:        g,
		ws:        ws,
		logger:    g.logger.With(zap.String("conn_id", id), zap.String("remote", r.RemoteAddr)),
		ctx:       ctx,
		cancel:    cancel,
		limiter:   rate.NewLimiter(rate.Limit(g.cfg.InboundRPS), g.cfg.InboundBurst),
		sem:       semaphore.NewWeighted(int64(g.cfg.MaxInflightEvents)),
		headerKey: r.Header.Get("X-API-Key"),
		authOwner: owner,
	}
	c.touch()
	return c
}

// =============================================================================
// 🔁 读循环
// =============================================================================

func (c *connection) run() {
	defer c.cancel()
	c.logger.Info("connection opened")
	if c.gw.cfg.IdleTimeout > 0 {
		go c.watchIdle()
	}

	for {
		typ, data, err := c.ws.Read(c.gw.baseCtx)
		if err != nil {
			c.logger.Debug("connection read ended",
				zap.Int("close_status", int(websocket.CloseStatus(err))),
				zap.Error(err),
			)
			c.finish(reasonClosed, "", false, websocket.StatusNormalClosure)
			c.logger.Info("connection closed", zap.Int64("messages", c.messageCount.Load()))
			return
		}
		c.touch()
		c.messageCount.Add(1)

		var msg ClientMessage
		if typ != websocket.MessageText {
			err = &MessageParseError{Reason: "binary frames are not supported"}
		} else {
			msg, err = DecodeClientMessage(data)
		}
		if err == nil {
			c.gw.collector.RecordInbound(msg.MessageType())
			if !c.limiter.Allow() {
				err = types.NewError(types.ErrRateLimited, "inbound message rate exceeded").WithRetryable(true)
			} else {
				err = c.safeHandle(msg)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, errConnectionDone) {
			return
		}

		eventID := eventIDOf(msg, err)
		if recoverable := c.reportError(eventID, err); !recoverable {
			reason := reasonProtocol
			if types.GetErrorCode(err) == types.ErrUnauthorized {
				reason = reasonUnauthorized
			}
			c.finish(reason, eventID, false, websocket.StatusPolicyViolation)
			return
		}
	}
}

func eventIDOf(msg ClientMessage, err error) string {
	if msg != nil {
		return msg.ID()
	}
	var pe *MessageParseError
	if errors.As(err, &pe) {
		return pe.EventID
	}
	return ""
}

// safeHandle 将处理器中的 panic 转为可恢复的 HandlerError，连接保持打开
func (c *connection) safeHandle(msg ClientMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				zap.String("type", msg.MessageType()),
				zap.Any("panic", r),
			)
			err = &HandlerError{Op: msg.MessageType(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return c.handle(msg)
}

// handle 处理一条已解析的消息；控制消息同步处理，音频/文本事件交给流水线协程
func (c *connection) handle(msg ClientMessage) error {
	switch m := msg.(type) {
	case InitMessage:
		return c.handleInit(m)
	case AudioChunkMessage:
		return c.dispatch(event{id: m.EventID, kind: TypeAudioChunk, audio: m.Chunk, timestamp: m.Timestamp})
	case TextInputMessage:
		return c.dispatch(event{id: m.EventID, kind: TypeTextInput, text: m.Text, timestamp: m.Timestamp})
	case PauseMessage:
		return c.setPaused(m.MessageType(), true)
	case ResumeMessage:
		return c.setPaused(m.MessageType(), false)
	case EndMessage:
		if c.currentSession() == "" {
			return &NoSessionError{Type: m.MessageType()}
		}
		c.finish(reasonClientEnd, m.EventID, true, websocket.StatusNormalClosure)
		return errConnectionDone
	case QualityFeedbackMessage:
		return c.handleFeedback(m)
	default:
		return &HandlerError{Op: msg.MessageType(), Err: fmt.Errorf("unhandled message type")}
	}
}

func (c *connection) handleInit(m InitMessage) error {
	if c.currentSession() != "" {
		return types.NewError(types.ErrSessionExists, "session already initialized on this connection").WithRetryable(true)
	}

	mode, err := session.ParseMode(m.Config.Mode)
	if err != nil {
		return &MessageParseError{Type: m.MessageType(), EventID: m.EventID, Reason: err.Error(), Recoverable: true}
	}

	owner := c.authOwner
	var keyID uint
	if c.gw.keys != nil {
		key := m.Config.APIKey
		if key == "" {
			key = c.headerKey
		}
		k, err := c.gw.keys.GetAPIKeyByKey(c.ctx, key)
		switch {
		case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrKeyDisabled):
			c.logger.Warn("init rejected", zap.Error(err))
			return types.NewError(types.ErrUnauthorized, "invalid or disabled api key")
		case err != nil:
			return &HandlerError{Op: m.MessageType(), Err: err}
		}
		owner, keyID = k.Owner, k.ID
	}

	sess, err := c.gw.sessions.Create(owner, mode)
	if err != nil {
		return &HandlerError{Op: m.MessageType(), Err: err}
	}

	c.mu.Lock()
	c.sessionID = sess.ID
	c.mode = mode
	c.settings = m.Config
	c.keyID = keyID
	c.paused = false
	c.mu.Unlock()

	c.logger.Info("session initialized",
		zap.String("session_id", sess.ID),
		zap.String("mode", string(mode)),
		zap.String("owner", owner),
	)
	if err := c.send(m.EventID, &ReadyMessage{SessionID: sess.ID}); err != nil {
		return &HandlerError{Op: m.MessageType(), Err: err}
	}
	return nil
}

func (c *connection) setPaused(op string, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return &NoSessionError{Type: op}
	}
	c.paused = paused
	c.logger.Debug("session pause state changed", zap.String("session_id", c.sessionID), zap.Bool("paused", paused))
	return nil
}

func (c *connection) handleFeedback(m QualityFeedbackMessage) error {
	sid := c.currentSession()
	if sid == "" {
		return &NoSessionError{Type: m.MessageType()}
	}
	c.gw.collector.RecordQualityFeedback(m.Category, m.Score)
	c.logger.Info("quality feedback",
		zap.String("session_id", sid),
		zap.String("event_id", m.EventID),
		zap.String("category", m.Category),
		zap.Float64("score", m.Score),
		zap.String("comment", m.Comment),
	)
	return nil
}

// dispatch 在读循环中完成会话与暂停检查，保证按到达顺序判定；
// 并发事件数达到上限时阻塞读循环形成背压
func (c *connection) dispatch(ev event) error {
	c.mu.Lock()
	sid, paused, mode, settings, keyID := c.sessionID, c.paused, c.mode, c.settings, c.keyID
	c.mu.Unlock()

	if sid == "" {
		return &NoSessionError{Type: ev.kind}
	}
	if paused {
		return types.NewError(types.ErrSessionPaused, "session is paused").WithRetryable(true)
	}

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return errConnectionDone
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		c.sem.Release(1)
		return nil
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	c.active.Add(1)

	ev.sessionID, ev.mode, ev.settings, ev.keyID = sid, mode, settings, keyID
	go func() {
		defer func() {
			c.active.Add(-1)
			c.sem.Release(1)
			c.inflight.Done()
		}()
		c.runEvent(ev)
	}()
	return nil
}

func (c *connection) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// =============================================================================
// 📤 发送
// =============================================================================

// send 写出一条服务端消息；写操作串行化
func (c *connection) send(eventID string, msg ServerMessage) error {
	stamp(msg, eventID)
	ctx, cancel := context.WithTimeout(context.Background(), c.gw.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	c.gw.collector.RecordOutbound(msg.MessageType())
	return nil
}

// reportError 向客户端发送错误消息，返回是否可恢复
func (c *connection) reportError(eventID string, err error) bool {
	em := toErrorMessage(err)
	c.gw.collector.RecordClientError(em.Code)

	log := c.logger.Warn
	if !em.Recoverable {
		log = c.logger.Error
	}
	log("message handling failed",
		zap.String("event_id", eventID),
		zap.String("code", em.Code),
		zap.Bool("recoverable", em.Recoverable),
		zap.Error(err),
	)

	if werr := c.send(eventID, em); werr != nil {
		c.logger.Debug("failed to deliver error message", zap.Error(werr))
	}
	return em.Recoverable
}

// =============================================================================
// 🏁 结束
// =============================================================================

// finish 只执行一次：排空进行中的事件，结束会话，按需通知客户端，然后关闭连接。
// notify 为 false 表示客户端已不可达，进行中的事件直接取消。
func (c *connection) finish(reason, eventID string, notify bool, code websocket.StatusCode) {
	c.finishOnce.Do(func() {
		if !notify {
			c.cancel()
		}
		c.drain()

		c.mu.Lock()
		sid := c.sessionID
		c.sessionID = ""
		c.mu.Unlock()

		if sid != "" {
			snap, err := c.gw.sessions.End(context.Background(), sid)
			if err != nil {
				c.logger.Warn("failed to end session", zap.String("session_id", sid), zap.Error(err))
			} else {
				c.gw.collector.RecordSessionEnded(reason)
				stats := snap.Stats(c.gw.now())
				c.logger.Info("session ended",
					zap.String("session_id", sid),
					zap.String("reason", reason),
					zap.Int("messages_processed", stats.MessagesProcessed),
					zap.Float64("avg_latency_ms", stats.AvgLatencyMs),
					zap.Int("error_count", stats.ErrorCount),
				)
				if notify {
					if err := c.send(eventID, &EndedMessage{Reason: reason, Stats: stats}); err != nil {
						c.logger.Debug("failed to deliver ended message", zap.Error(err))
					}
				}
			}
		}

		_ = c.ws.Close(code, reason)
		c.cancel()
	})
}

// drain 等待进行中的事件；超过 DrainTimeout 后取消它们
func (c *connection) drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.gw.cfg.DrainTimeout):
		c.logger.Warn("in-flight events did not finish in time, cancelling", zap.Int32("in_flight", c.active.Load()))
		c.cancel()
		<-done
	}
}

// =============================================================================
// ⏱️ 空闲检测
// =============================================================================

func (c *connection) touch() {
	c.lastActivity.Store(c.gw.now().UnixNano())
}

func (c *connection) watchIdle() {
	idle := c.gw.cfg.IdleTimeout
	tick := min(max(idle/4, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if c.active.Load() > 0 {
			c.touch()
			continue
		}
		last := time.Unix(0, c.lastActivity.Load())
		if c.gw.now().Sub(last) >= idle {
			c.logger.Info("connection idle, closing", zap.Duration("idle_timeout", idle))
			c.finish(reasonIdle, "", true, websocket.StatusNormalClosure)
			return
		}
	}
}
