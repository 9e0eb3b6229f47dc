package dispatch

import (
	"context"
	"sync"
	"time"
)

// TypingController is the channel adapter's presence hook. The dispatcher
// calls OnReplyStart before the first delivery; the orchestrator calls
// MarkDispatchIdle once the dispatcher drains and Cleanup when the run ends.
type TypingController interface {
	OnReplyStart()
	StartTypingLoop(ctx context.Context)
	MarkDispatchIdle()
	Cleanup()
}

// NoopTyping satisfies TypingController for channels without a presence
// concept.
type NoopTyping struct{}

func (NoopTyping) OnReplyStart()                   {}
func (NoopTyping) StartTypingLoop(context.Context) {}
func (NoopTyping) MarkDispatchIdle()               {}
func (NoopTyping) Cleanup()                        {}

// IntervalTyping re-issues a typing indicator on a fixed cadence until the
// dispatcher goes idle. Most chat surfaces expire the indicator after a few
// seconds, so the loop refreshes it.
type IntervalTyping struct {
	Notify   func(ctx context.Context) // sends one typing/composing signal
	Interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *IntervalTyping) OnReplyStart() {}

// StartTypingLoop begins refreshing the indicator; a second call restarts
// the loop.
func (t *IntervalTyping) StartTypingLoop(ctx context.Context) {
	if t.Notify == nil {
		return
	}
	interval := t.Interval
	if interval <= 0 {
		interval = 4 * time.Second
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		t.Notify(loopCtx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.Notify(loopCtx)
			}
		}
	}()
}

// MarkDispatchIdle stops the refresh loop.
func (t *IntervalTyping) MarkDispatchIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Cleanup stops any running loop.
func (t *IntervalTyping) Cleanup() {
	t.MarkDispatchIdle()
}
