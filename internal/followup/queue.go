// Package followup queues inbound messages that arrive while a session's
// agent turn is still running, so they re-enter the pipeline as one
// coalesced prompt instead of a second concurrent run.
package followup

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode controls how queued items combine on drain.
type Mode string

const (
	// ModeCollect merges all pending items into one prompt.
	ModeCollect Mode = "collect"
	// ModeLatest keeps only the most recent item.
	ModeLatest Mode = "latest"
	// ModeInterrupt aborts the running turn and restarts with the new prompt.
	ModeInterrupt Mode = "interrupt"
)

// DropPolicy says what happens when the queue is at cap.
type DropPolicy string

const (
	// DropSummarize replaces the oldest item with a one-line marker.
	DropSummarize DropPolicy = "summarize"
	// DropOldest discards the oldest item.
	DropOldest DropPolicy = "drop-oldest"
	// DropReject refuses the new item.
	DropReject DropPolicy = "reject"
)

// Item is one queued follow-up.
type Item struct {
	Body       string
	SenderName string
	EnqueuedAt time.Time
	// summary marks a synthetic item produced by the summarize drop policy.
	summary bool
}

// Config tunes one queue instance; zero values fall back to defaults.
type Config struct {
	Mode       Mode
	DropPolicy DropPolicy
	Cap        int
	DebounceMs int64
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeCollect
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropSummarize
	}
	if c.Cap <= 0 {
		c.Cap = 10
	}
	if c.DebounceMs < 0 {
		c.DebounceMs = 0
	}
	return c
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Accepted  bool
	Rejected  bool // cap hit under the reject policy
	Interrupt bool // mode=interrupt: caller must abort the running turn
	Depth     int
}

// Queue holds per-session follow-up lanes. Enqueue and drain for the same
// key are serialized under one mutex; the debounce timer fires onReady once
// a burst settles.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	lanes   map[string]*lane
	onReady func(sessionKey string)
	now     func() time.Time
}

type lane struct {
	items   []Item
	timer   *time.Timer
	pending bool
}

// NewQueue creates a follow-up queue. onReady fires (on a timer goroutine)
// when a session's debounce window elapses with items still queued; it may
// be nil when the caller polls Drain instead.
func NewQueue(cfg Config, onReady func(sessionKey string)) *Queue {
	return &Queue{
		cfg:     cfg.withDefaults(),
		lanes:   make(map[string]*lane),
		onReady: onReady,
		now:     time.Now,
	}
}

// Enqueue adds a follow-up for sessionKey, applying mode and cap policy.
func (q *Queue) Enqueue(sessionKey string, it Item) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.now()
	}

	ln := q.lanes[sessionKey]
	if ln == nil {
		ln = &lane{}
		q.lanes[sessionKey] = ln
	}

	switch q.cfg.Mode {
	case ModeLatest:
		ln.items = ln.items[:0]
	case ModeInterrupt:
		ln.items = append(ln.items[:0], it)
		q.armLocked(sessionKey, ln)
		return EnqueueResult{Accepted: true, Interrupt: true, Depth: 1}
	}

	// The summarize marker does not count toward the cap.
	if realDepth(ln.items) >= q.cfg.Cap {
		switch q.cfg.DropPolicy {
		case DropReject:
			return EnqueueResult{Rejected: true, Depth: len(ln.items)}
		case DropOldest:
			ln.items = ln.items[1:]
		case DropSummarize:
			dropped := 1
			rest := ln.items[1:]
			if ln.items[0].summary {
				fmt.Sscanf(ln.items[0].Body, summaryScanFormat, &dropped)
				dropped++
				rest = ln.items[2:]
			}
			// The marker keeps the original earliest timestamp so drain
			// ordering stays honest after repeated drops.
			marker := Item{
				Body:       fmt.Sprintf(summaryFormat, dropped),
				EnqueuedAt: ln.items[0].EnqueuedAt,
				summary:    true,
			}
			ln.items = append([]Item{marker}, rest...)
		}
	}

	ln.items = append(ln.items, it)
	q.armLocked(sessionKey, ln)
	return EnqueueResult{Accepted: true, Depth: len(ln.items)}
}

const (
	summaryFormat     = "[%d earlier follow-up message(s) were dropped]"
	summaryScanFormat = "[%d earlier follow-up message(s) were dropped]"
)

func realDepth(items []Item) int {
	n := 0
	for _, it := range items {
		if !it.summary {
			n++
		}
	}
	return n
}

// armLocked (re)starts the debounce timer for a lane.
func (q *Queue) armLocked(sessionKey string, ln *lane) {
	if q.onReady == nil {
		return
	}
	ln.pending = true
	if ln.timer != nil {
		ln.timer.Stop()
	}
	delay := time.Duration(q.cfg.DebounceMs) * time.Millisecond
	ln.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		fire := ln.pending && len(ln.items) > 0
		ln.pending = false
		q.mu.Unlock()
		if fire {
			q.onReady(sessionKey)
		}
	})
}

// Drain removes and returns every queued item for sessionKey in order.
func (q *Queue) Drain(sessionKey string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln := q.lanes[sessionKey]
	if ln == nil || len(ln.items) == 0 {
		return nil
	}
	items := ln.items
	q.dropLaneLocked(sessionKey, ln)
	return items
}

// DrainPrompt drains the lane and renders it as one prompt. In collect mode
// multiple items join with a blank line, each prefixed by its sender when
// known.
func (q *Queue) DrainPrompt(sessionKey string) (string, int) {
	items := q.Drain(sessionKey)
	if len(items) == 0 {
		return "", 0
	}
	if len(items) == 1 {
		return items[0].Body, 1
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.SenderName != "" && !it.summary {
			parts = append(parts, it.SenderName+": "+it.Body)
		} else {
			parts = append(parts, it.Body)
		}
	}
	return strings.Join(parts, "\n\n"), len(items)
}

// Depth reports the exact number of queued items for sessionKey.
func (q *Queue) Depth(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln := q.lanes[sessionKey]
	if ln == nil {
		return 0
	}
	return len(ln.items)
}

// Clear drops everything queued for sessionKey, atomically with respect to
// Drain. Used by the abort path.
func (q *Queue) Clear(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln := q.lanes[sessionKey]
	if ln == nil {
		return 0
	}
	n := len(ln.items)
	q.dropLaneLocked(sessionKey, ln)
	return n
}

func (q *Queue) dropLaneLocked(sessionKey string, ln *lane) {
	if ln.timer != nil {
		ln.timer.Stop()
	}
	ln.pending = false
	delete(q.lanes, sessionKey)
}
