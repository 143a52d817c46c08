package session

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/voxflow/internal/cache"
)

const (
	snapshotKeyPrefix = "voxflow:session:"
	recentKey         = "voxflow:sessions:ended"
	recentLimit       = 1000
)

// RedisStore 将已结束会话快照写入 Redis
type RedisStore struct {
	cache *cache.Manager
	ttl   time.Duration
}

// NewRedisStore 创建 Redis 快照存储
func NewRedisStore(c *cache.Manager, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: c, ttl: ttl}
}

// Save 写入快照并记录到最近结束列表
func (s *RedisStore) Save(ctx context.Context, snap Session) error {
	if err := s.cache.SetJSON(ctx, snapshotKeyPrefix+snap.ID, snap, s.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	if err := s.cache.PushCapped(ctx, recentKey, snap.ID, recentLimit); err != nil {
		return fmt.Errorf("index session %s: %w", snap.ID, err)
	}
	return nil
}

// Load 读取快照
func (s *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	var snap Session
	if err := s.cache.GetJSON(ctx, snapshotKeyPrefix+id, &snap); err != nil {
		if cache.IsCacheMiss(err) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return snap, nil
}

// Recent 最近结束的会话 ID，新的在前
func (s *RedisStore) Recent(ctx context.Context, n int) ([]string, error) {
	return s.cache.Range(ctx, recentKey, int64(n))
}
