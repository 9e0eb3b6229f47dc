// Package agent defines the runner contract the dispatch core invokes and
// the event stream it consumes. Model and tool orchestration live behind
// this boundary.
package agent

import "context"

// EventKind discriminates the runner's event stream.
type EventKind string

const (
	EventToolStart  EventKind = "tool_start"
	EventToolUpdate EventKind = "tool_update"
	EventToolEnd    EventKind = "tool_end"
	EventDelta      EventKind = "delta"
	EventFinal      EventKind = "final"
	EventAborted    EventKind = "aborted"
	EventError      EventKind = "error"
)

// Event is one element of a run's ordered stream. Field use depends on
// Kind; unrelated fields stay zero.
type Event struct {
	Kind EventKind

	// Tool lifecycle.
	ToolCallID        string
	ToolName          string
	ToolArgs          map[string]any
	ToolOutput        string
	ToolErr           string
	MutatingAction    bool
	ActionFingerprint string

	// Text. Delta events carry the accumulated text so far; the handler
	// derives the unsent suffix. IsReasoning marks thinking output.
	Text        string
	IsReasoning bool

	// Media collected by a tool or attached to the final.
	MediaURLs []string

	// Error events.
	Err error
}

// RunParams are the inputs for one agent turn.
type RunParams struct {
	SessionKey     string
	Message        string
	Attachments    []string
	IdempotencyKey string
	Thinking       bool
	TimeoutMs      int64
	AuthProfileID  string
	Model          string
}

// Runner executes agent turns. Run returns a receive-only stream that is
// closed after a terminal event (final, aborted, error). Abort stops the
// active run for a session at its next cooperative checkpoint.
type Runner interface {
	Run(ctx context.Context, params RunParams) (<-chan Event, error)
	Abort(sessionKey string)
}
