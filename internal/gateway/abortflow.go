package gateway

import (
	"fmt"
	"log/slog"

	"github.com/openclaw/openclaw/internal/subagents"
)

// abortAckBase is the acknowledgement sent after a fast-abort.
const abortAckBase = "⚙️ Agent was aborted."

// abortAck formats the acknowledgement, appending the stopped sub-agent
// count when any were cascaded.
func abortAck(stoppedSubagents int) string {
	if stoppedSubagents <= 0 {
		return abortAckBase
	}
	noun := "sub-agent"
	if stoppedSubagents != 1 {
		noun = "sub-agents"
	}
	return fmt.Sprintf("%s Stopped %d %s.", abortAckBase, stoppedSubagents, noun)
}

// fastAbort halts the session's run and cascades through its sub-agent
// tree. Returns how many live sub-agent runs were stopped.
func (o *Orchestrator) fastAbort(sessionKey string) int {
	o.stopLane(sessionKey)

	// Descendants are collected by key prefix, so grandchildren are
	// included even when their requester already ended.
	descendants := o.subagents.CollectDescendants(sessionKey)
	for _, run := range descendants {
		o.subagents.MarkEnded(run.RunID, subagents.OutcomeTerminated)
		o.stopLane(run.ChildSessionKey)
		slog.Info("gateway.subagent_terminated",
			"run", run.RunID, "session", run.ChildSessionKey, "requester", sessionKey)
	}
	return len(descendants)
}

// stopLane aborts one session lane: abort memory, the runner, queued
// follow-ups, and the pending prompt.
func (o *Orchestrator) stopLane(sessionKey string) {
	o.abortMem.Mark(sessionKey)
	if o.runner != nil {
		o.runner.Abort(sessionKey)
	}
	if cleared := o.followups.Clear(sessionKey); cleared > 0 {
		slog.Debug("gateway.followups_cleared", "session", sessionKey, "count", cleared)
	}
	if pp, ok := o.pending.get(sessionKey); ok {
		pp.Abort()
		o.pending.finish(pp, TerminalCancelled)
	}
}
