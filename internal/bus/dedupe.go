package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache is a bounded TTL set used to drop duplicate inbound messages
// (webhook retries, double-taps). Keys are evicted oldest-first when the
// cache is full, and lazily when their TTL expires.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front = oldest
	nowFn   func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// NewDedupeCache creates a dedupe cache with the given TTL and size cap.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		nowFn:   time.Now,
	}
}

// IsDuplicate records key and reports whether it was already present within
// the TTL. The first sighting returns false.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	c.pruneLocked(now)

	if el, ok := c.entries[key]; ok {
		if now.Sub(el.Value.(*dedupeEntry).seen) < c.ttl {
			return true
		}
		// Expired: refresh as a new sighting.
		c.order.Remove(el)
		delete(c.entries, key)
	}

	for len(c.entries) >= c.max {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupeEntry).key)
	}

	c.entries[key] = c.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

// Len reports the number of live keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.nowFn())
	return len(c.entries)
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	for {
		oldest := c.order.Front()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*dedupeEntry)
		if now.Sub(e.seen) < c.ttl {
			return
		}
		c.order.Remove(oldest)
		delete(c.entries, e.key)
	}
}
