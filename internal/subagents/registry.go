// Package subagents tracks spawned sub-agent runs so aborts can cascade
// through the session tree.
package subagents

import (
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/sessions"
)

// CleanupMode says what happens to the child session once the run ends.
type CleanupMode string

const (
	CleanupKeep   CleanupMode = "keep"
	CleanupDelete CleanupMode = "delete"
)

// Outcome is the terminal state of a sub-agent run.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeTerminated Outcome = "terminated"
	OutcomeFailed     Outcome = "failed"
)

// Run is one spawned sub-agent run.
type Run struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	Task                string
	Cleanup             CleanupMode
	CreatedAt           time.Time
	EndedAt             time.Time
	Outcome             Outcome
}

// Ended reports whether the run reached a terminal state.
func (r *Run) Ended() bool { return !r.EndedAt.IsZero() }

// Registry is the in-process record of sub-agent runs, keyed by run id.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Register records a newly spawned run. An existing id is overwritten; run
// ids come from uuid generation so collisions mean a re-registration.
func (r *Registry) Register(run Run) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Cleanup == "" {
		run.Cleanup = CleanupKeep
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.RunID] = &run
}

// Get returns a copy of the run, if known.
func (r *Registry) Get(runID string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// MarkEnded records the terminal outcome for a run. Re-marking an ended run
// is a no-op so the first terminal state wins.
func (r *Registry) MarkEnded(runID string, outcome Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.Ended() {
		return false
	}
	run.EndedAt = time.Now()
	run.Outcome = outcome
	return true
}

// CollectDescendants returns the active runs whose child session descends
// from rootKey, depth-first. Ended runs are skipped but still traversed: a
// finished intermediary does not shield its live children.
func (r *Registry) CollectDescendants(rootKey string) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := sessions.Canonicalize(rootKey)
	var out []Run
	for _, run := range r.runs {
		child := sessions.Canonicalize(run.ChildSessionKey)
		if child == root || !sessions.IsDescendantOf(child, root) {
			continue
		}
		if run.Ended() {
			continue
		}
		out = append(out, *run)
	}
	return out
}

// ActiveByChild finds the live run owning childKey, if any.
func (r *Registry) ActiveByChild(childKey string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	child := sessions.Canonicalize(childKey)
	for _, run := range r.runs {
		if !run.Ended() && sessions.Canonicalize(run.ChildSessionKey) == child {
			return *run, true
		}
	}
	return Run{}, false
}

// PruneEnded drops ended runs older than keep, returning how many were
// removed.
func (r *Registry) PruneEnded(keep time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-keep)
	n := 0
	for id, run := range r.runs {
		if run.Ended() && run.EndedAt.Before(cutoff) {
			delete(r.runs, id)
			n++
		}
	}
	return n
}

// Len reports the number of tracked runs, live and ended.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
