// Package gateway is the inbound-to-reply dispatch core: it takes a
// normalized inbound message through dedupe, fast-abort, access control,
// routing, session bookkeeping, the agent run, and outbound dispatch.
package gateway

import (
	"context"
	"log/slog"
	"sync"
)

// Terminal states of a prompt run.
const (
	TerminalEndTurn   = "end_turn"
	TerminalCancelled = "cancelled"
	TerminalRefusal   = "refusal"
)

// toolCallState is the bookkeeping for one in-flight tool call.
type toolCallState struct {
	Name              string
	MutatingAction    bool
	ActionFingerprint string
}

// PendingPrompt is one active agent turn. It resolves exactly once with a
// terminal state; afterwards it is absent from the pending map.
type PendingPrompt struct {
	RunID          string
	SessionKey     string
	IdempotencyKey string

	mu             sync.Mutex
	sentTextLength int
	toolCalls      map[string]toolCallState
	terminal       string
	cancel         context.CancelFunc
	done           chan struct{}
}

func newPendingPrompt(runID, sessionKey, idempotencyKey string, cancel context.CancelFunc) *PendingPrompt {
	return &PendingPrompt{
		RunID:          runID,
		SessionKey:     sessionKey,
		IdempotencyKey: idempotencyKey,
		toolCalls:      make(map[string]toolCallState),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Terminal returns the resolved terminal state, or "" while running.
func (p *PendingPrompt) Terminal() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal
}

// Done is closed when the prompt resolves.
func (p *PendingPrompt) Done() <-chan struct{} { return p.done }

// SentTextLength returns how much final text has been streamed out.
func (p *PendingPrompt) SentTextLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentTextLength
}

// advanceSentText returns the unsent suffix of accumulated and advances the
// watermark. Empty when nothing new arrived.
func (p *PendingPrompt) advanceSentText(accumulated string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(accumulated) <= p.sentTextLength {
		return ""
	}
	suffix := accumulated[p.sentTextLength:]
	p.sentTextLength = len(accumulated)
	return suffix
}

func (p *PendingPrompt) trackTool(id string, st toolCallState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls[id] = st
}

func (p *PendingPrompt) lookupTool(id string) (toolCallState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.toolCalls[id]
	return st, ok
}

func (p *PendingPrompt) clearTool(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.toolCalls, id)
}

// resolve marks the terminal state. Only the first call wins.
func (p *PendingPrompt) resolve(terminal string) bool {
	p.mu.Lock()
	if p.terminal != "" {
		p.mu.Unlock()
		return false
	}
	p.terminal = terminal
	p.mu.Unlock()
	close(p.done)
	return true
}

// Abort signals the run's context.
func (p *PendingPrompt) Abort() {
	if p.cancel != nil {
		p.cancel()
	}
}

// pendingMap holds the active prompt per session key. Owned by one
// orchestrator; a second prompt for the same key cancels the first.
type pendingMap struct {
	mu sync.Mutex
	m  map[string]*PendingPrompt
}

func newPendingMap() *pendingMap {
	return &pendingMap{m: make(map[string]*PendingPrompt)}
}

// register installs pp as the active prompt for its session key, cancelling
// any previous one.
func (pm *pendingMap) register(pp *PendingPrompt) {
	pm.mu.Lock()
	prev := pm.m[pp.SessionKey]
	pm.m[pp.SessionKey] = pp
	pm.mu.Unlock()

	if prev != nil {
		slog.Info("gateway.prompt_superseded",
			"session", pp.SessionKey, "previous_run", prev.RunID)
		prev.Abort()
		pm.finish(prev, TerminalCancelled)
	}
}

// get returns the active prompt for key.
func (pm *pendingMap) get(key string) (*PendingPrompt, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pp, ok := pm.m[key]
	return pp, ok
}

// finish resolves pp and removes it from the map if still registered.
// Returns false when pp was already resolved.
func (pm *pendingMap) finish(pp *PendingPrompt, terminal string) bool {
	first := pp.resolve(terminal)

	pm.mu.Lock()
	if pm.m[pp.SessionKey] == pp {
		delete(pm.m, pp.SessionKey)
	}
	pm.mu.Unlock()
	return first
}

// active reports whether a prompt is running for key.
func (pm *pendingMap) active(key string) bool {
	_, ok := pm.get(key)
	return ok
}
