package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidMode 不支持的会话模式
	ErrInvalidMode = errors.New("invalid session mode")
)

// Mode 会话模式
type Mode string

const (
	ModeVoice  Mode = "voice"
	ModeText   Mode = "text"
	ModeHybrid Mode = "hybrid"
)

// ParseMode 解析模式，空字符串视为 voice
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeVoice, nil
	case ModeVoice, ModeText, ModeHybrid:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Session 一次实时交互的状态
type Session struct {
	ID                string     `json:"id"`
	OwnerKey          string     `json:"owner_key,omitempty"`
	Mode              Mode       `json:"mode"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	MessagesProcessed int        `json:"messages_processed"`
	AvgLatencyMs      float64    `json:"avg_latency_ms"`
	ErrorCount        int        `json:"error_count"`
}

// Patch 字段合并更新；nil 字段保持不变
type Patch struct {
	OwnerKey          *string
	Mode              *Mode
	MessagesProcessed *int
	AvgLatencyMs      *float64
	ErrorCount        *int
}

func (s *Session) apply(p Patch) {
	if p.OwnerKey != nil {
		s.OwnerKey = *p.OwnerKey
	}
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.MessagesProcessed != nil {
		s.MessagesProcessed = *p.MessagesProcessed
	}
	if p.AvgLatencyMs != nil {
		s.AvgLatencyMs = *p.AvgLatencyMs
	}
	if p.ErrorCount != nil {
		s.ErrorCount = *p.ErrorCount
	}
}

// Stats 会话结束时上报的汇总
type Stats struct {
	DurationMs        int64   `json:"duration"`
	MessagesProcessed int     `json:"messagesProcessed"`
	AvgLatencyMs      float64 `json:"averageLatency"`
	ErrorCount        int     `json:"errorCount"`
}

// Stats 计算汇总；未结束的会话按当前时间计算时长
func (s Session) Stats(now time.Time) Stats {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return Stats{
		DurationMs:        end.Sub(s.StartTime).Milliseconds(),
		MessagesProcessed: s.MessagesProcessed,
		AvgLatencyMs:      s.AvgLatencyMs,
		ErrorCount:        s.ErrorCount,
	}
}

func (s *Session) clone() Session {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return c
}
