package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps tracked limiter keys so rotating peers cannot
	// exhaust memory.
	maxTrackedKeys = 4096

	// sessionWindow is the fixed window for session-creation counting.
	sessionWindow = 10 * time.Second

	// sessionMaxHits is the max session creations per key within a window.
	sessionMaxHits = 120
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// SessionRateLimiter gates session creation with a fixed window per key.
// Safe for concurrent use.
type SessionRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

// NewSessionRateLimiter creates a limiter; zero window/maxHits use the
// defaults (120 requests / 10 s).
func NewSessionRateLimiter(window time.Duration, maxHits int) *SessionRateLimiter {
	if window <= 0 {
		window = sessionWindow
	}
	if maxHits <= 0 {
		maxHits = sessionMaxHits
	}
	return &SessionRateLimiter{
		window:  window,
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Allow returns true when the key is within its window budget. Stale
// entries are pruned as the cap approaches.
func (r *SessionRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
