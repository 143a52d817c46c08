package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/config"
	"github.com/BaSui01/voxflow/internal/cache"
)

func setupTestStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	manager, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, NewRedisStore(manager, ttl)
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	mr, store := setupTestStore(t, time.Hour)
	m := NewManager(nil, WithStore(store))
	ctx := context.Background()

	s, _ := m.Create("owner", ModeText)
	_, _ = m.RecordLatency(s.ID, 250)
	snap, err := m.End(ctx, s.ID)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, ModeText, loaded.Mode)
	assert.Equal(t, 1, loaded.MessagesProcessed)
	require.NotNil(t, loaded.EndTime)
	assert.True(t, snap.EndTime.Equal(*loaded.EndTime))

	assert.Equal(t, time.Hour, mr.TTL(snapshotKeyPrefix+s.ID))

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, recent)
}

func TestRedisStore_Expiry(t *testing.T) {
	mr, store := setupTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Session{ID: "s1", Mode: ModeVoice, StartTime: time.Now()}))
	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_RecentNewestFirst(t *testing.T) {
	_, store := setupTestStore(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, Session{ID: id}))
	}
	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, recent)
}
