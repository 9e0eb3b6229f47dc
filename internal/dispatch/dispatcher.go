// Package dispatch serializes outbound replies per destination, preserving
// tool < block < final lane precedence with FIFO inside each lane.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openclaw/openclaw/internal/bus"
)

// Sender delivers one payload to a destination. Implemented by channel
// adapter glue; errors are treated as best-effort transport failures.
type Sender interface {
	Send(ctx context.Context, to string, payload bus.ReplyPayload) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, to string, payload bus.ReplyPayload) error

func (f SenderFunc) Send(ctx context.Context, to string, payload bus.ReplyPayload) error {
	return f(ctx, to, payload)
}

type lane int

const (
	laneTool lane = iota
	laneBlock
	laneFinal
)

func (l lane) String() string {
	switch l {
	case laneTool:
		return "tool"
	case laneBlock:
		return "block"
	default:
		return "final"
	}
}

type queued struct {
	lane    lane
	payload bus.ReplyPayload
}

// QueuedCounts snapshots lane depths, including the in-flight payload.
type QueuedCounts struct {
	Tool  int
	Block int
	Final int
}

// Dispatcher owns the reply queue for one destination of one run. Tool and
// block payloads stream out FIFO as they arrive; the final reply is held
// until MarkComplete and the earlier lanes drain. Exactly one final is
// delivered per run.
type Dispatcher struct {
	sender Sender
	to     string
	typing TypingController

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []queued
	final     *bus.ReplyPayload
	finalSent bool
	complete  bool
	closed    bool
	inFlight  bool
	started   bool
	delivered int
}

// New creates a dispatcher for one destination. typing may be nil.
func New(sender Sender, to string, typing TypingController) *Dispatcher {
	d := &Dispatcher{sender: sender, to: to, typing: typing}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// SendToolResult enqueues a tool-lane payload. Returns false when the
// payload was discarded (reasoning, or nothing to send).
func (d *Dispatcher) SendToolResult(payload bus.ReplyPayload) bool {
	return d.enqueue(laneTool, payload)
}

// SendBlockReply enqueues a block-lane payload.
func (d *Dispatcher) SendBlockReply(payload bus.ReplyPayload) bool {
	return d.enqueue(laneBlock, payload)
}

// SendFinalReply stages the run's final reply. It is delivered once, after
// MarkComplete and after every tool/block payload enqueued before it.
func (d *Dispatcher) SendFinalReply(payload bus.ReplyPayload) bool {
	if !deliverable(payload) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.finalSent || d.final != nil {
		return false
	}
	p := payload
	d.final = &p
	d.cond.Broadcast()
	return true
}

func (d *Dispatcher) enqueue(l lane, payload bus.ReplyPayload) bool {
	if !deliverable(payload) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, queued{lane: l, payload: payload})
	d.cond.Broadcast()
	return true
}

// deliverable drops reasoning payloads at the boundary and requires either
// text or media. Media-only payloads pass even with empty or NO_REPLY text.
func deliverable(p bus.ReplyPayload) bool {
	if p.IsReasoning {
		return false
	}
	return p.Text != "" || p.HasMedia()
}

// MarkComplete signals that no further tool or block payloads will arrive,
// releasing the staged final once the queue drains.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.complete = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// WaitForIdle blocks until every queued payload (final included, when one
// is staged and complete was marked) has been handed to the sender.
func (d *Dispatcher) WaitForIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.idleLocked() {
		d.cond.Wait()
	}
}

func (d *Dispatcher) idleLocked() bool {
	if d.inFlight || len(d.queue) > 0 {
		return false
	}
	if d.final != nil && d.complete {
		return false
	}
	return true
}

// GetQueuedCounts reports current lane depths.
func (d *Dispatcher) GetQueuedCounts() QueuedCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	var c QueuedCounts
	for _, q := range d.queue {
		if q.lane == laneTool {
			c.Tool++
		} else {
			c.Block++
		}
	}
	if d.final != nil {
		c.Final = 1
	}
	return c
}

// Delivered reports how many payloads reached the sender.
func (d *Dispatcher) Delivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// Close drops everything still queued and stops the worker. A staged,
// undelivered final is discarded; exactly-once means once or not at all.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.queue = nil
	d.final = nil
	d.cond.Broadcast()
	d.mu.Unlock()
	if d.typing != nil {
		d.typing.Cleanup()
	}
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		for !d.closed && len(d.queue) == 0 && !d.finalReadyLocked() {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}

		var item queued
		if len(d.queue) > 0 {
			item = d.queue[0]
			d.queue = d.queue[1:]
		} else {
			item = queued{lane: laneFinal, payload: *d.final}
			d.final = nil
			d.finalSent = true
		}
		first := !d.started
		d.started = true
		d.inFlight = true
		d.mu.Unlock()

		if first && d.typing != nil {
			d.typing.OnReplyStart()
		}

		if err := d.sender.Send(context.Background(), d.to, item.payload); err != nil {
			slog.Warn("dispatch.send_failed",
				"to", d.to, "lane", item.lane.String(), "error", err)
		}

		d.mu.Lock()
		d.inFlight = false
		d.delivered++
		done := d.finalSent && len(d.queue) == 0
		if done {
			// Nothing may follow the final; late enqueues are refused.
			d.closed = true
		}
		d.cond.Broadcast()
		d.mu.Unlock()

		if done {
			return
		}
	}
}

func (d *Dispatcher) finalReadyLocked() bool {
	return d.final != nil && d.complete && len(d.queue) == 0 && !d.inFlight
}
