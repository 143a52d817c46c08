package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/voxflow/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrKeyNotFound 密钥不存在
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyDisabled 密钥已停用
	ErrKeyDisabled = errors.New("api key disabled")
)

// APIKey 调用方密钥，实时会话按 Owner 归属
type APIKey struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Key        string     `gorm:"column:api_key;size:128;uniqueIndex;not null" json:"-"`
	Owner      string     `gorm:"size:128;index;not null" json:"owner"`
	Label      string     `gorm:"size:255" json:"label"`
	Enabled    bool       `gorm:"default:true" json:"enabled"`
	UsageCount int64      `gorm:"default:0" json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName 表名
func (APIKey) TableName() string { return "voxflow_api_keys" }

// Masked 返回脱敏后的密钥，仅显示末 4 位
func (k *APIKey) Masked() string {
	if len(k.Key) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(k.Key)-4) + k.Key[len(k.Key)-4:]
}

// Store API Key 存储
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
	now    func() time.Time
}

// NewStore 创建存储
func NewStore(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "apikey_store")),
		now:    time.Now,
	}
}

// AutoMigrate 创建或更新表结构
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&APIKey{}); err != nil {
		return fmt.Errorf("migrate api keys: %w", err)
	}
	return nil
}

// Create 新增密钥
func (s *Store) Create(ctx context.Context, key *APIKey) error {
	if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Owner) == "" {
		return fmt.Errorf("api key and owner are required")
	}
	if err := s.pool.DB().WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	s.logger.Info("api key created", zap.String("owner", key.Owner), zap.String("key", key.Masked()))
	return nil
}

// GetAPIKeyByKey 按密钥查找，停用的密钥返回 ErrKeyDisabled
func (s *Store) GetAPIKeyByKey(ctx context.Context, key string) (*APIKey, error) {
	if key == "" {
		return nil, ErrKeyNotFound
	}

	var k APIKey
	err := s.pool.DB().WithContext(ctx).Where("api_key = ?", key).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if !k.Enabled {
		return nil, ErrKeyDisabled
	}
	return &k, nil
}

// IncrementUsage 累加用量并更新最近使用时间
func (s *Store) IncrementUsage(ctx context.Context, id uint, n int64) error {
	if n <= 0 {
		return nil
	}
	now := s.now()
	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		res := tx.Model(&APIKey{}).Where("id = ?", id).Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + ?", n),
			"last_used_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrKeyNotFound
		}
		return nil
	})
}

// List 按 ID 升序列出全部密钥
func (s *Store) List(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	if err := s.pool.DB().WithContext(ctx).Order("id ASC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Patch 可更新字段；nil 保持不变
type Patch struct {
	Label   *string
	Enabled *bool
}

// Update 合并更新并返回最新记录
func (s *Store) Update(ctx context.Context, id uint, p Patch) (*APIKey, error) {
	updates := map[string]any{}
	if p.Label != nil {
		updates["label"] = *p.Label
	}
	if p.Enabled != nil {
		updates["enabled"] = *p.Enabled
	}

	db := s.pool.DB().WithContext(ctx)
	var k APIKey
	if err := db.First(&k, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if len(updates) == 0 {
		return &k, nil
	}
	if err := db.Model(&k).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update api key: %w", err)
	}
	if err := db.First(&k, id).Error; err != nil {
		return nil, fmt.Errorf("reload api key: %w", err)
	}
	s.logger.Info("api key updated", zap.Uint("id", id), zap.Bool("enabled", k.Enabled))
	return &k, nil
}

// Delete 删除密钥
func (s *Store) Delete(ctx context.Context, id uint) error {
	res := s.pool.DB().WithContext(ctx).Delete(&APIKey{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	s.logger.Info("api key deleted", zap.Uint("id", id))
	return nil
}

// Name 健康检查名称
func (s *Store) Name() string { return "apikey_store" }

// Check 健康检查
func (s *Store) Check(ctx context.Context) error { return s.pool.Ping(ctx) }
