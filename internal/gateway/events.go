package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/dispatch"
)

// messagingTools are agent tools whose "send" action delivers a message to
// a channel directly. Their sends are tracked so the final reply does not
// duplicate what the tool already delivered.
var messagingTools = map[string]bool{
	"slack_send":    true,
	"sessions_send": true,
	"telegram_send": true,
	"discord_send":  true,
	"whatsapp_send": true,
	"message_send":  true,
}

// sentRecordCap bounds the per-run record of messaging-tool sends.
const sentRecordCap = 50

// pendingSend is a messaging-tool send recorded at tool_start and committed
// only when the tool succeeds.
type pendingSend struct {
	target    string
	text      string
	mediaURLs []string
}

// sentRecords remembers committed messaging-tool sends, trimmed LRU-style.
type sentRecords struct {
	mu      sync.Mutex
	targets []string
	texts   []string
	media   []string
}

func (r *sentRecords) commit(ps pendingSend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = trimAppend(r.targets, ps.target)
	r.texts = trimAppend(r.texts, ps.text)
	for _, u := range ps.mediaURLs {
		r.media = trimAppend(r.media, u)
	}
}

func (r *sentRecords) sentText(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.texts {
		if t != "" && t == text {
			return true
		}
	}
	return false
}

func trimAppend(s []string, v string) []string {
	if v == "" {
		return s
	}
	s = append(s, v)
	if len(s) > sentRecordCap {
		s = s[len(s)-sentRecordCap:]
	}
	return s
}

// eventHandler consumes one run's ordered agent event stream and feeds the
// dispatcher.
type eventHandler struct {
	pp         *PendingPrompt
	dispatcher *dispatch.Dispatcher
	isGroup    bool

	pendingSends map[string]pendingSend
	sent         *sentRecords

	finalText  string
	finalMedia []string
	runErr     error
}

func newEventHandler(pp *PendingPrompt, d *dispatch.Dispatcher, isGroup bool) *eventHandler {
	return &eventHandler{
		pp:           pp,
		dispatcher:   d,
		isGroup:      isGroup,
		pendingSends: make(map[string]pendingSend),
		sent:         &sentRecords{},
	}
}

// handle processes one event. Returns true when the event was terminal.
func (h *eventHandler) handle(ev agent.Event) bool {
	switch ev.Kind {
	case agent.EventToolStart:
		h.onToolStart(ev)
	case agent.EventToolUpdate:
		// Progress only; nothing to dispatch.
	case agent.EventToolEnd:
		h.onToolEnd(ev)
	case agent.EventDelta:
		h.onDelta(ev)
	case agent.EventFinal:
		h.finalText = ev.Text
		h.finalMedia = ev.MediaURLs
		return true
	case agent.EventAborted:
		return true
	case agent.EventError:
		h.runErr = ev.Err
		if h.runErr == nil {
			h.runErr = fmt.Errorf("agent run failed")
		}
		return true
	}
	return false
}

func (h *eventHandler) onToolStart(ev agent.Event) {
	h.pp.trackTool(ev.ToolCallID, toolCallState{
		Name:              ev.ToolName,
		MutatingAction:    ev.MutatingAction,
		ActionFingerprint: ev.ActionFingerprint,
	})

	// Pre-commit a messaging send so a successful tool_end can suppress the
	// duplicate downstream reply.
	if messagingTools[ev.ToolName] && toolAction(ev.ToolArgs) == "send" {
		h.pendingSends[ev.ToolCallID] = pendingSend{
			target:    toolString(ev.ToolArgs, "to", "target"),
			text:      toolString(ev.ToolArgs, "message", "text"),
			mediaURLs: toolStrings(ev.ToolArgs, "media", "mediaUrls"),
		}
	}

	// Tool summaries stay out of group chats; reasoning never dispatches.
	if ev.IsReasoning || h.isGroup {
		return
	}
	h.dispatcher.SendToolResult(bus.ReplyPayload{
		Text: "🔧 " + ev.ToolName + ": " + channels.Truncate(summarizeArgs(ev.ToolArgs), 120),
	})
}

func (h *eventHandler) onToolEnd(ev agent.Event) {
	defer h.pp.clearTool(ev.ToolCallID)

	ps, hadPending := h.pendingSends[ev.ToolCallID]
	delete(h.pendingSends, ev.ToolCallID)

	if ev.ToolErr != "" {
		// Failed sends are discarded; the final reply may still carry the
		// content.
		return
	}
	if hadPending {
		h.sent.commit(ps)
	}

	// Media comes from both the pre-committed args and the parsed output.
	media := append([]string(nil), ps.mediaURLs...)
	media = append(media, ev.MediaURLs...)
	if len(media) == 0 && (h.isGroup || ev.ToolOutput == "") {
		// Group chats get media but not textual tool results.
		return
	}
	payload := bus.ReplyPayload{MediaURLs: media}
	if !h.isGroup && ev.ToolOutput != "" {
		payload.Text = channels.Truncate(ev.ToolOutput, 500)
	}
	h.dispatcher.SendToolResult(payload)
}

func (h *eventHandler) onDelta(ev agent.Event) {
	if ev.IsReasoning {
		return
	}
	suffix := h.pp.advanceSentText(ev.Text)
	if suffix == "" {
		return
	}
	h.dispatcher.SendBlockReply(bus.ReplyPayload{Text: suffix})
}

// finalPayload builds the run's final reply, suppressing text a messaging
// tool already delivered. Returns false when nothing should be sent.
func (h *eventHandler) finalPayload() (bus.ReplyPayload, bool) {
	text := strings.TrimSpace(h.finalText)
	if text == "NO_REPLY" {
		text = ""
	}
	if text != "" && h.sent.sentText(text) {
		text = ""
	}
	if text == "" && len(h.finalMedia) == 0 {
		return bus.ReplyPayload{}, false
	}
	return bus.ReplyPayload{Text: text, MediaURLs: h.finalMedia}, true
}

func toolAction(args map[string]any) string {
	if args == nil {
		return ""
	}
	if v, ok := args["action"].(string); ok {
		return v
	}
	return ""
}

func toolString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func toolStrings(args map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := args[k].(type) {
		case []string:
			return v
		case []any:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	for _, k := range []string{"command", "path", "query", "url", "to"} {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return fmt.Sprintf("%d arg(s)", len(args))
}
