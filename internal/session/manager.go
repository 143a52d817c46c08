package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// endedCacheSize 保留最近结束会话的快照数，用于幂等的 End
const endedCacheSize = 1024

// Store 持久化已结束会话的快照
type Store interface {
	Save(ctx context.Context, s Session) error
}

// Manager 活跃会话表
type Manager struct {
	logger *zap.Logger
	store  Store
	now    func() time.Time

	mu         sync.RWMutex
	active     map[string]*Session
	ended      map[string]Session
	endedOrder []string
}

// Option 配置 Manager
type Option func(*Manager)

// WithStore 设置快照存储
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建会话管理器
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger: logger.With(zap.String("component", "session_manager")),
		now:    time.Now,
		active: make(map[string]*Session),
		ended:  make(map[string]Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 创建会话，计数清零
func (m *Manager) Create(ownerKey string, mode Mode) (Session, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return Session{}, err
	}
	if mode == "" {
		mode = ModeVoice
	}

	s := &Session{
		ID:        uuid.NewString(),
		OwnerKey:  ownerKey,
		Mode:      mode,
		StartTime: m.now(),
	}

	m.mu.Lock()
	m.active[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", s.ID), zap.String("mode", string(mode)))
	return s.clone(), nil
}

// Get 返回活跃会话的副本
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Update 合并更新
func (m *Manager) Update(id string, p Patch) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s.apply(p)
	return s.clone(), nil
}

// RecordLatency 记录一次完成的事件：消息数加一，增量更新平均延迟
func (m *Manager) RecordLatency(id string, endToEndMs float64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s.MessagesProcessed++
	s.AvgLatencyMs += (endToEndMs - s.AvgLatencyMs) / float64(s.MessagesProcessed)
	return s.clone(), nil
}

// RecordError 错误计数加一
func (m *Manager) RecordError(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s.ErrorCount++
	return s.clone(), nil
}

// End 结束会话并返回最终快照。重复调用返回同一快照。
func (m *Manager) End(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	if snap, ok := m.ended[id]; ok {
		m.mu.Unlock()
		return snap, nil
	}
	s, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	end := m.now()
	s.EndTime = &end
	snap := s.clone()
	delete(m.active, id)
	m.rememberEndedLocked(snap)
	m.mu.Unlock()

	m.logger.Info("session ended",
		zap.String("session_id", id),
		zap.Int("messages_processed", snap.MessagesProcessed),
		zap.Float64("avg_latency_ms", snap.AvgLatencyMs),
		zap.Int("error_count", snap.ErrorCount),
	)

	if m.store != nil {
		if err := m.store.Save(ctx, snap); err != nil {
			m.logger.Warn("failed to persist session snapshot", zap.String("session_id", id), zap.Error(err))
		}
	}
	return snap, nil
}

func (m *Manager) rememberEndedLocked(s Session) {
	m.ended[s.ID] = s
	m.endedOrder = append(m.endedOrder, s.ID)
	if len(m.endedOrder) > endedCacheSize {
		evict := m.endedOrder[0]
		m.endedOrder = m.endedOrder[1:]
		delete(m.ended, evict)
	}
}

// Active 按开始时间返回所有活跃会话
func (m *Manager) Active() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Count 活跃会话数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
