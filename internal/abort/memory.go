package abort

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMemoryCap bounds the abort-memory map.
const DefaultMemoryCap = 2000

// Memory remembers which session keys were recently aborted. Insertion
// order is kept so the earliest entry drops when the cap is hit.
type Memory struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*list.Element
	order   *list.List // front = oldest
}

type memoryEntry struct {
	key       string
	abortedAt time.Time
}

// NewMemory creates an abort memory with the given cap (<=0 uses the
// default).
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCap
	}
	return &Memory{
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Mark records that sessionKey was aborted. Re-marking refreshes the
// timestamp without changing insertion order.
func (m *Memory) Mark(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[sessionKey]; ok {
		el.Value.(*memoryEntry).abortedAt = time.Now()
		return
	}
	for len(m.entries) >= m.cap {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
	m.entries[sessionKey] = m.order.PushBack(&memoryEntry{key: sessionKey, abortedAt: time.Now()})
}

// Marked reports whether sessionKey has a live abort mark.
func (m *Memory) Marked(sessionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[sessionKey]
	return ok
}

// Clear removes the mark for sessionKey.
func (m *Memory) Clear(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[sessionKey]; ok {
		m.order.Remove(el)
		delete(m.entries, sessionKey)
	}
}

// Len reports the number of marked sessions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
