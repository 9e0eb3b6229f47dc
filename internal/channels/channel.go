// Package channels defines the adapter contract between external messaging
// platforms and the dispatch core, plus the manager that routes outbound
// replies to the right adapter.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openclaw/openclaw/internal/bus"
)

// InternalChannels are system lanes excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
	"cron":     true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// SendResult is what an adapter reports after a best-effort send.
type SendResult struct {
	MessageID string
}

// SendOptions tune one outbound send.
type SendOptions struct {
	ReplyToID string
}

// TargetMode says whether the destination was named explicitly or inferred
// from the session.
type TargetMode string

const (
	TargetExplicit TargetMode = "explicit"
	TargetImplicit TargetMode = "implicit"
)

// TargetQuery is the input to ResolveTarget.
type TargetQuery struct {
	To        string
	Mode      TargetMode
	AllowFrom []string
}

// TargetResult is the resolved destination or the refusal reason.
type TargetResult struct {
	OK    bool
	To    string
	Error string
}

// ProbeResult reports adapter connectivity.
type ProbeResult struct {
	OK    bool
	Bot   string
	Error string
}

// Adapter is the per-platform channel implementation. Start pushes
// normalized inbound messages until ctx is done; Send and SendMedia are
// best-effort.
type Adapter interface {
	Name() string
	Start(ctx context.Context) (<-chan bus.MsgContext, error)
	Send(ctx context.Context, to, text string, opts *SendOptions) (SendResult, error)
	SendMedia(ctx context.Context, to string, urls []string, opts *SendOptions) (SendResult, error)
	ResolveTarget(q TargetQuery) TargetResult
	Probe(ctx context.Context) ProbeResult
}

// registered pairs an adapter with its runtime state.
type registered struct {
	adapter     Adapter
	connectedAt int64 // ms epoch of the last successful Start
	limiter     *rate.Limiter
}

// Manager owns the adapter registry and implements outbound delivery with
// cross-channel routing and per-channel send pacing.
type Manager struct {
	mu       sync.Mutex
	adapters map[string]*registered
	sendRate rate.Limit
	burst    int
}

// NewManager creates an adapter registry. perSecond bounds outbound sends
// per channel (<=0 disables pacing).
func NewManager(perSecond float64, burst int) *Manager {
	lim := rate.Limit(perSecond)
	if perSecond <= 0 {
		lim = rate.Inf
	}
	if burst <= 0 {
		burst = 5
	}
	return &Manager{
		adapters: make(map[string]*registered),
		sendRate: lim,
		burst:    burst,
	}
}

// Register adds an adapter under its name. Re-registering replaces it.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = &registered{
		adapter: a,
		limiter: rate.NewLimiter(m.sendRate, m.burst),
	}
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.adapters[name]
	if !ok {
		return nil, false
	}
	return r.adapter, true
}

// Names lists registered adapters.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// StartAll starts every adapter and fans their inbound streams into one
// channel. Each successful start stamps connectedAt for pairing backlog
// suppression.
func (m *Manager) StartAll(ctx context.Context) (<-chan bus.MsgContext, error) {
	out := make(chan bus.MsgContext, 64)
	var wg sync.WaitGroup

	m.mu.Lock()
	regs := make([]*registered, 0, len(m.adapters))
	for _, r := range m.adapters {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	for _, r := range regs {
		in, err := r.adapter.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("start channel %s: %w", r.adapter.Name(), err)
		}
		m.mu.Lock()
		r.connectedAt = time.Now().UnixMilli()
		m.mu.Unlock()
		slog.Info("channels.started", "channel", r.adapter.Name())

		wg.Add(1)
		go func(in <-chan bus.MsgContext) {
			defer wg.Done()
			for mc := range in {
				select {
				case out <- mc:
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// ConnectedAt reports when the named channel last came up, in ms epoch.
// Zero when the channel never started.
func (m *Manager) ConnectedAt(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.adapters[name]; ok {
		return r.connectedAt
	}
	return 0
}

// Deliver sends one payload to (channel, to), pacing per channel. Text and
// media go out as separate adapter calls; media-only payloads are valid.
func (m *Manager) Deliver(ctx context.Context, channel, to string, payload bus.ReplyPayload) error {
	m.mu.Lock()
	r, ok := m.adapters[channel]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("deliver to %s: unknown channel", channel)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("deliver to %s: %w", channel, err)
	}

	var opts *SendOptions
	if payload.ReplyToID != "" {
		opts = &SendOptions{ReplyToID: payload.ReplyToID}
	}

	urls := payload.MediaURLs
	if payload.MediaURL != "" {
		urls = append([]string{payload.MediaURL}, urls...)
	}
	urls = append(urls, payload.Attachments...)

	if len(urls) > 0 {
		if _, err := r.adapter.SendMedia(ctx, to, urls, opts); err != nil {
			return fmt.Errorf("send media via %s: %w", channel, err)
		}
	}
	if payload.Text != "" && payload.Text != "NO_REPLY" {
		if _, err := r.adapter.Send(ctx, to, payload.Text, opts); err != nil {
			return fmt.Errorf("send via %s: %w", channel, err)
		}
	}
	return nil
}

// SenderFor adapts the manager to the dispatcher's Sender shape for a fixed
// channel.
func (m *Manager) SenderFor(channel string) func(ctx context.Context, to string, payload bus.ReplyPayload) error {
	return func(ctx context.Context, to string, payload bus.ReplyPayload) error {
		return m.Deliver(ctx, channel, to, payload)
	}
}

// Truncate shortens a string to maxLen, appending an ellipsis when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
