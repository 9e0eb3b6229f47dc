package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/dispatch"
)

// recordingSender captures dispatched payloads.
type recordingSender struct {
	mu       sync.Mutex
	payloads []bus.ReplyPayload
}

func (s *recordingSender) Send(ctx context.Context, to string, payload bus.ReplyPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSender) all() []bus.ReplyPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.ReplyPayload(nil), s.payloads...)
}

func newTestHandler(isGroup bool) (*eventHandler, *recordingSender, *dispatch.Dispatcher) {
	pp := newPendingPrompt("run1", "agent:default:telegram:direct:1", "idem", func() {})
	sender := &recordingSender{}
	d := dispatch.New(sender, "1", nil)
	return newEventHandler(pp, d, isGroup), sender, d
}

// TestAdvanceSentText verifies the accumulated-text watermark yields only
// unsent suffixes.
func TestAdvanceSentText(t *testing.T) {
	pp := newPendingPrompt("r", "k", "i", nil)

	if got := pp.advanceSentText("Hello"); got != "Hello" {
		t.Errorf("first delta = %q", got)
	}
	if got := pp.advanceSentText("Hello world"); got != " world" {
		t.Errorf("second delta = %q", got)
	}
	// A shorter or equal accumulation carries nothing new.
	if got := pp.advanceSentText("Hello world"); got != "" {
		t.Errorf("repeat delta = %q, want empty", got)
	}
	if got := pp.advanceSentText("Hello"); got != "" {
		t.Errorf("regressed delta = %q, want empty", got)
	}
	if pp.SentTextLength() != len("Hello world") {
		t.Errorf("watermark = %d", pp.SentTextLength())
	}
}

// TestEventHandler_MessagingToolSuppressesFinal verifies text a messaging
// tool already delivered is stripped from the final reply.
func TestEventHandler_MessagingToolSuppressesFinal(t *testing.T) {
	h, _, d := newTestHandler(false)
	defer d.Close()

	h.handle(agent.Event{Kind: agent.EventToolStart, ToolCallID: "t1", ToolName: "telegram_send",
		ToolArgs: map[string]any{"action": "send", "to": "555", "message": "ping"}})
	h.handle(agent.Event{Kind: agent.EventToolEnd, ToolCallID: "t1"})
	if done := h.handle(agent.Event{Kind: agent.EventFinal, Text: "ping"}); !done {
		t.Fatalf("final not terminal")
	}

	if _, ok := h.finalPayload(); ok {
		t.Errorf("final duplicates the tool-delivered text")
	}
}

// TestEventHandler_FailedSendNotCommitted verifies a failed messaging tool
// leaves the final reply intact.
func TestEventHandler_FailedSendNotCommitted(t *testing.T) {
	h, _, d := newTestHandler(false)
	defer d.Close()

	h.handle(agent.Event{Kind: agent.EventToolStart, ToolCallID: "t1", ToolName: "telegram_send",
		ToolArgs: map[string]any{"action": "send", "to": "555", "message": "ping"}})
	h.handle(agent.Event{Kind: agent.EventToolEnd, ToolCallID: "t1", ToolErr: "network down"})
	h.handle(agent.Event{Kind: agent.EventFinal, Text: "ping"})

	payload, ok := h.finalPayload()
	if !ok || payload.Text != "ping" {
		t.Errorf("final after failed send = (%+v, %v), want the text kept", payload, ok)
	}
}

// TestEventHandler_FinalPayloadShapes covers NO_REPLY and media-only finals.
func TestEventHandler_FinalPayloadShapes(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		media    []string
		wantOK   bool
		wantText string
	}{
		{"plain text", "done", nil, true, "done"},
		{"no reply sentinel", "NO_REPLY", nil, false, ""},
		{"whitespace only", "  \n ", nil, false, ""},
		{"media only", "", []string{"https://x/y.png"}, true, ""},
		{"sentinel with media", "NO_REPLY", []string{"https://x/y.png"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, d := newTestHandler(false)
			defer d.Close()
			h.handle(agent.Event{Kind: agent.EventFinal, Text: tt.text, MediaURLs: tt.media})
			payload, ok := h.finalPayload()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && payload.Text != tt.wantText {
				t.Errorf("text = %q, want %q", payload.Text, tt.wantText)
			}
		})
	}
}

// TestEventHandler_GroupSuppressesToolText verifies group chats get tool
// media but never tool summaries or textual results.
func TestEventHandler_GroupSuppressesToolText(t *testing.T) {
	h, sender, d := newTestHandler(true)

	h.handle(agent.Event{Kind: agent.EventToolStart, ToolCallID: "t1", ToolName: "web_search",
		ToolArgs: map[string]any{"query": "weather"}})
	h.handle(agent.Event{Kind: agent.EventToolEnd, ToolCallID: "t1", ToolOutput: "sunny"})
	h.handle(agent.Event{Kind: agent.EventToolStart, ToolCallID: "t2", ToolName: "image_gen",
		ToolArgs: map[string]any{"query": "cat"}})
	h.handle(agent.Event{Kind: agent.EventToolEnd, ToolCallID: "t2",
		MediaURLs: []string{"https://x/cat.png"}})

	d.MarkComplete()
	d.WaitForIdle()
	d.Close()

	got := sender.all()
	if len(got) != 1 {
		t.Fatalf("payloads = %+v, want only the media result", got)
	}
	if got[0].Text != "" || len(got[0].MediaURLs) != 1 {
		t.Errorf("media payload = %+v", got[0])
	}
}

// TestEventHandler_ReasoningNeverDispatches verifies thinking deltas are
// dropped and do not advance the watermark.
func TestEventHandler_ReasoningNeverDispatches(t *testing.T) {
	h, sender, d := newTestHandler(false)

	h.handle(agent.Event{Kind: agent.EventDelta, Text: "thinking...", IsReasoning: true})
	h.handle(agent.Event{Kind: agent.EventDelta, Text: "visible"})

	d.MarkComplete()
	d.WaitForIdle()
	d.Close()

	got := sender.all()
	if len(got) != 1 || got[0].Text != "visible" {
		t.Errorf("payloads = %+v, want only the visible delta", got)
	}
}

// TestEventHandler_ErrorEventCarriesCause verifies error terminals always
// leave a non-nil runErr.
func TestEventHandler_ErrorEventCarriesCause(t *testing.T) {
	h, _, d := newTestHandler(false)
	defer d.Close()

	if done := h.handle(agent.Event{Kind: agent.EventError}); !done {
		t.Fatalf("error not terminal")
	}
	if h.runErr == nil {
		t.Errorf("runErr nil after an error event")
	}
}

// TestAbortAck covers the acknowledgement wording.
func TestAbortAck(t *testing.T) {
	tests := []struct {
		stopped int
		want    string
	}{
		{0, "⚙️ Agent was aborted."},
		{1, "⚙️ Agent was aborted. Stopped 1 sub-agent."},
		{2, "⚙️ Agent was aborted. Stopped 2 sub-agents."},
	}
	for _, tt := range tests {
		if got := abortAck(tt.stopped); got != tt.want {
			t.Errorf("abortAck(%d) = %q, want %q", tt.stopped, got, tt.want)
		}
	}
}

// TestPendingMap_SupersedeCancelsPrevious verifies a new prompt for the same
// session resolves the old one as cancelled.
func TestPendingMap_SupersedeCancelsPrevious(t *testing.T) {
	pm := newPendingMap()
	cancelled := false
	first := newPendingPrompt("r1", "k", "i1", func() { cancelled = true })
	second := newPendingPrompt("r2", "k", "i2", func() {})

	pm.register(first)
	pm.register(second)

	if !cancelled {
		t.Errorf("superseded prompt's context not cancelled")
	}
	if first.Terminal() != TerminalCancelled {
		t.Errorf("superseded terminal = %q", first.Terminal())
	}
	if pp, ok := pm.get("k"); !ok || pp != second {
		t.Errorf("active prompt = %+v", pp)
	}

	// finish is first-wins.
	if !pm.finish(second, TerminalEndTurn) {
		t.Errorf("first finish reported not-first")
	}
	if pm.finish(second, TerminalRefusal) {
		t.Errorf("second finish reported first")
	}
	if pm.active("k") {
		t.Errorf("finished prompt still active")
	}
}
