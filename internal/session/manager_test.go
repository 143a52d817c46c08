package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryStore struct {
	mu    sync.Mutex
	saved []Session
	err   error
}

func (s *memoryStore) Save(_ context.Context, snap Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return s.err
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeVoice, false},
		{"voice", ModeVoice, false},
		{"text", ModeText, false},
		{"hybrid", ModeHybrid, false},
		{"video", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidMode)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestManager_CreateAndGet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(zaptest.NewLogger(t), WithClock(clock.Now))

	s, err := m.Create("owner-1", ModeText)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "owner-1", s.OwnerKey)
	assert.Equal(t, ModeText, s.Mode)
	assert.Equal(t, clock.Now(), s.StartTime)
	assert.Nil(t, s.EndTime)
	assert.Zero(t, s.MessagesProcessed)
	assert.Zero(t, s.AvgLatencyMs)
	assert.Zero(t, s.ErrorCount)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s, got)
	assert.Equal(t, 1, m.Count())

	_, err = m.Create("owner-1", Mode("video"))
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestManager_Update(t *testing.T) {
	m := NewManager(nil)
	s, err := m.Create("", ModeVoice)
	require.NoError(t, err)

	hybrid := ModeHybrid
	owner := "owner-2"
	updated, err := m.Update(s.ID, Patch{Mode: &hybrid, OwnerKey: &owner})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, updated.Mode)
	assert.Equal(t, "owner-2", updated.OwnerKey)
	assert.Zero(t, updated.MessagesProcessed)

	_, err = m.Update("missing", Patch{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_RecordLatencyAndErrors(t *testing.T) {
	m := NewManager(nil)
	s, _ := m.Create("", ModeVoice)

	for _, l := range []float64{100, 200, 600} {
		_, err := m.RecordLatency(s.ID, l)
		require.NoError(t, err)
	}
	got, err := m.RecordError(s.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, got.MessagesProcessed)
	assert.InDelta(t, 300, got.AvgLatencyMs, 1e-9)
	assert.Equal(t, 1, got.ErrorCount)

	_, err = m.RecordLatency("missing", 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.RecordError("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_EndIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := &memoryStore{}
	m := NewManager(nil, WithClock(clock.Now), WithStore(store))

	s, _ := m.Create("owner", ModeVoice)
	_, _ = m.RecordLatency(s.ID, 120)
	clock.Advance(3 * time.Second)

	first, err := m.End(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, first.EndTime)
	assert.Equal(t, clock.Now(), *first.EndTime)

	clock.Advance(time.Minute)
	second, err := m.End(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, ok := m.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())

	// 快照只持久化一次
	assert.Len(t, store.saved, 1)

	stats := first.Stats(clock.Now())
	assert.Equal(t, int64(3000), stats.DurationMs)
	assert.Equal(t, 1, stats.MessagesProcessed)
	assert.InDelta(t, 120, stats.AvgLatencyMs, 1e-9)

	// 结束后的更新不会影响快照
	_, err = m.RecordLatency(s.ID, 999)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	third, _ := m.End(context.Background(), s.ID)
	assert.Equal(t, 1, third.MessagesProcessed)
}

func TestManager_EndUnknown(t *testing.T) {
	m := NewManager(nil)
	_, err := m.End(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_EndStoreFailureIsLogged(t *testing.T) {
	store := &memoryStore{err: errors.New("redis down")}
	m := NewManager(zaptest.NewLogger(t), WithStore(store))

	s, _ := m.Create("", ModeVoice)
	snap, err := m.End(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, snap.ID)
}

func TestManager_ActiveSortedByStart(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(nil, WithClock(clock.Now))

	var ids []string
	for i := 0; i < 3; i++ {
		s, _ := m.Create("", ModeVoice)
		ids = append(ids, s.ID)
		clock.Advance(time.Second)
	}

	active := m.Active()
	require.Len(t, active, 3)
	for i, s := range active {
		assert.Equal(t, ids[i], s.ID)
	}
}

func TestManager_EndedCacheBounded(t *testing.T) {
	m := NewManager(nil)
	var first string
	for i := 0; i < endedCacheSize+1; i++ {
		s, _ := m.Create("", ModeVoice)
		if i == 0 {
			first = s.ID
		}
		_, err := m.End(context.Background(), s.ID)
		require.NoError(t, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.ended, endedCacheSize)
	assert.NotContains(t, m.ended, first)
}

func TestManager_ConcurrentRecording(t *testing.T) {
	m := NewManager(nil)
	s, _ := m.Create("", ModeVoice)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.RecordLatency(s.ID, 50)
		}()
	}
	wg.Wait()

	got, _ := m.Get(s.ID)
	assert.Equal(t, 100, got.MessagesProcessed)
	assert.InDelta(t, 50, got.AvgLatencyMs, 1e-9)
}
