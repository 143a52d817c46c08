package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔄 配置热重载
// =============================================================================

const maxChangeLog = 200

// Change 一次配置字段变更
type Change struct {
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReloadFunc 在新配置生效前调用；返回错误时本次重载回滚
type ReloadFunc func(oldCfg, newCfg *Config, changes []Change) error

// liveFields 无需重启即可生效的字段
var liveFields = map[string]struct{}{
	"Log.Level": {},
}

// IsLive 报告字段变更是否可以在运行中生效
func IsLive(path string) bool {
	_, ok := liveFields[path]
	return ok
}

// Reloader 轮询配置文件修改时间，变化稳定一个周期后重新加载
type Reloader struct {
	mu        sync.Mutex
	path      string
	current   *Config
	modTime   time.Time
	pending   time.Time
	interval  time.Duration
	callbacks []ReloadFunc
	changes   []Change
	logger    *zap.Logger
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewReloader 创建配置重载器
func NewReloader(path string, current *Config, logger *zap.Logger, opts ...ReloaderOption) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		path:     path,
		current:  current,
		interval: time.Second,
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	}
	return r
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Current 当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Changes 最近的变更记录，旧的在前
func (r *Reloader) Changes() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

// Run 阻塞轮询直到 ctx 取消
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("watching config file", zap.String("path", r.path), zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.poll() {
				if _, err := r.Reload(); err != nil {
					r.logger.Error("config reload failed, keeping current config", zap.Error(err))
				}
			}
		}
	}
}

// poll 文件修改时间变化且在一个周期内保持不变时返回 true
func (r *Reloader) poll() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	mt := info.ModTime()

	r.mu.Lock()
	defer r.mu.Unlock()
	if mt.Equal(r.modTime) {
		r.pending = time.Time{}
		return false
	}
	if !mt.Equal(r.pending) {
		r.pending = mt
		return false
	}
	r.modTime = mt
	r.pending = time.Time{}
	return true
}

// Reload 立即从文件重新加载。校验失败或回调失败时保留当前配置
func (r *Reloader) Reload() ([]Change, error) {
	next, err := NewLoader().WithConfigPath(r.path).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev := r.current
	callbacks := append([]ReloadFunc(nil), r.callbacks...)
	r.mu.Unlock()

	changes := Diff(prev, next)
	if len(changes) == 0 {
		return nil, nil
	}

	for i, cb := range callbacks {
		if err := safeCall(cb, prev, next, changes); err != nil {
			// 已执行的回调用旧配置回放
			for j := i - 1; j >= 0; j-- {
				if rbErr := safeCall(callbacks[j], next, prev, changes); rbErr != nil {
					r.logger.Error("rollback callback failed", zap.Error(rbErr))
				}
			}
			return nil, fmt.Errorf("apply config: %w", err)
		}
	}

	r.mu.Lock()
	r.current = next
	r.changes = append(r.changes, changes...)
	if len(r.changes) > maxChangeLog {
		r.changes = r.changes[len(r.changes)-maxChangeLog:]
	}
	r.mu.Unlock()

	restart := false
	for _, c := range changes {
		restart = restart || c.RequiresRestart
		r.logger.Info("config changed",
			zap.String("path", c.Path),
			zap.Bool("requires_restart", c.RequiresRestart),
			zap.Any("old_value", c.OldValue),
			zap.Any("new_value", c.NewValue),
		)
	}
	if restart {
		r.logger.Warn("some config changes take effect after restart")
	}
	return changes, nil
}

func safeCall(fn ReloadFunc, oldCfg, newCfg *Config, changes []Change) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reload callback panicked: %v", p)
		}
	}()
	return fn(oldCfg, newCfg, changes)
}

// Diff 逐字段比较两份配置，敏感字段的值被隐藏
func Diff(oldCfg, newCfg *Config) []Change {
	var changes []Change
	now := time.Now()
	compareStructs("", reflect.ValueOf(oldCfg).Elem(), reflect.ValueOf(newCfg).Elem(), func(path string, o, n any) {
		c := Change{Path: path, OldValue: o, NewValue: n, RequiresRestart: !IsLive(path), Timestamp: now}
		if isSensitive(path) {
			c.OldValue, c.NewValue = "[REDACTED]", "[REDACTED]"
		}
		changes = append(changes, c)
	})
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, emit func(path string, o, n any)) {
	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct {
			compareStructs(path, o, n, emit)
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			emit(path, o.Interface(), n.Interface())
		}
	}
}

func isSensitive(path string) bool {
	p := strings.ToLower(path)
	for _, k := range []string{"password", "secret", "apikeys", "publickey"} {
		if strings.HasSuffix(p, k) {
			return true
		}
	}
	return false
}
