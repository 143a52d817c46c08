package latency

import "sync"

// DefaultCapacity 默认历史容量
const DefaultCapacity = 100

// History 定长环形缓冲，写满后淘汰最旧的记录
type History struct {
	mu    sync.RWMutex
	buf   []Entry
	start int
	size  int
}

// NewHistory 创建历史缓冲；capacity <= 0 时使用默认容量
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{buf: make([]Entry, capacity)}
}

// Add 追加记录
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Entries 由旧到新返回全部记录
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastLocked(h.size)
}

// Recent 由旧到新返回最新的 n 条记录
func (h *History) Recent(n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastLocked(min(max(n, 0), h.size))
}

func (h *History) lastLocked(n int) []Entry {
	out := make([]Entry, n)
	offset := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+offset+i)%len(h.buf)]
	}
	return out
}

// Len 当前记录数
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap 容量
func (h *History) Cap() int {
	return len(h.buf)
}
