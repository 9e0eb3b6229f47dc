package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/pairing"
)

// DMPolicy governs direct messages.
type DMPolicy string

const (
	DMOpen      DMPolicy = "open"
	DMAllowlist DMPolicy = "allowlist"
	DMPairing   DMPolicy = "pairing"
	DMDisabled  DMPolicy = "disabled"
)

// GroupPolicy governs group and channel chats.
type GroupPolicy string

const (
	GroupOpen      GroupPolicy = "open"
	GroupAllowlist GroupPolicy = "allowlist"
	GroupDisabled  GroupPolicy = "disabled"
)

// DefaultPairingGraceMs suppresses pairing replies to backlog messages
// delivered from before the connection was established.
const DefaultPairingGraceMs int64 = 30_000

// Policy is the effective access configuration for one channel account.
type Policy struct {
	DM                DMPolicy
	Group             GroupPolicy
	AllowFrom         []string // config-level DM allowlist
	GroupAllowFrom    []string // group ids or sender ids
	RequireMention    bool
	AllowTextCommands bool
	PairingGraceMs    int64
}

func (p Policy) withDefaults() Policy {
	if p.DM == "" {
		p.DM = DMPairing
	}
	if p.Group == "" {
		p.Group = GroupAllowlist
	}
	if p.PairingGraceMs <= 0 {
		p.PairingGraceMs = DefaultPairingGraceMs
	}
	return p
}

// Decision is the outcome of evaluating one inbound message.
type Decision struct {
	Allow bool
	// Reason explains a drop; empty when allowed.
	Reason string
	// PairingReply is set when the sender must be sent a pairing code.
	// The message itself is still dropped.
	PairingReply *PairingReply
}

// PairingReply carries what the channel adapter needs to compose the
// pairing message.
type PairingReply struct {
	ID   string
	Code string
}

var allowed = Decision{Allow: true}

func drop(reason string) Decision { return Decision{Reason: reason} }

// Evaluator applies the access decision procedure. PolicyFor resolves the
// effective policy per (channel, account); ConnectedAt reports when the
// channel connection came up (ms epoch) for backlog suppression.
type Evaluator struct {
	Pairing     *pairing.Store
	PolicyFor   func(channel, accountID string) Policy
	ConnectedAt func(channel string) int64
}

// Evaluate runs the ordered decision procedure for one inbound message.
// Drops are silent toward the sender; the reason is for logs and
// diagnostics only.
func (e *Evaluator) Evaluate(ctx context.Context, mc *bus.MsgContext) (Decision, error) {
	pol := Policy{}
	if e.PolicyFor != nil {
		pol = e.PolicyFor(mc.Provider, mc.AccountID)
	}
	pol = pol.withDefaults()

	if mc.IsGroup() {
		return e.evaluateGroup(mc, pol)
	}
	return e.evaluateDM(ctx, mc, pol)
}

func (e *Evaluator) evaluateGroup(mc *bus.MsgContext, pol Policy) (Decision, error) {
	switch pol.Group {
	case GroupDisabled:
		return drop("group policy disabled"), nil
	case GroupAllowlist:
		// Either the group itself or the individual sender may be listed.
		if !matchAllow(mc.Provider, mc.To, pol.GroupAllowFrom) &&
			!matchAllow(mc.Provider, mc.SenderID, pol.GroupAllowFrom) {
			return drop("group not in allowlist"), nil
		}
	}

	if d, gated := e.commandGate(mc, pol); gated {
		return d, nil
	}

	if pol.RequireMention && !mc.WasMentioned && !isControlCommand(mc.Body) {
		return drop("no mention"), nil
	}
	return allowed, nil
}

func (e *Evaluator) evaluateDM(ctx context.Context, mc *bus.MsgContext, pol Policy) (Decision, error) {
	switch pol.DM {
	case DMDisabled:
		return drop("dm policy disabled"), nil

	case DMOpen:

	case DMAllowlist:
		// Pairing approvals are deliberately not merged here: allowlist
		// mode trusts only the operator-managed config list.
		if !matchAllow(mc.Provider, mc.From, pol.AllowFrom) {
			return drop("sender not in allowlist"), nil
		}

	case DMPairing:
		merged := append([]string(nil), pol.AllowFrom...)
		stored, err := e.Pairing.ReadAllowFrom(mc.Provider, mc.AccountID)
		if err != nil {
			return Decision{}, fmt.Errorf("read allowlist: %w", err)
		}
		merged = append(merged, stored...)
		if !matchAllow(mc.Provider, mc.From, merged) {
			return e.pairingBranch(ctx, mc, pol)
		}
	}

	if d, gated := e.commandGate(mc, pol); gated {
		return d, nil
	}
	return allowed, nil
}

// pairingBranch handles an unknown sender under pairing policy: mint or
// refresh the pending request and tell the adapter to send the code once.
func (e *Evaluator) pairingBranch(ctx context.Context, mc *bus.MsgContext, pol Policy) (Decision, error) {
	// Backlog suppression: messages from before the connection minus the
	// grace window never trigger a pairing reply or store mutation.
	if e.ConnectedAt != nil && mc.Timestamp > 0 {
		if connectedAt := e.ConnectedAt(mc.Provider); connectedAt > 0 &&
			mc.Timestamp < connectedAt-pol.PairingGraceMs {
			return drop("pairing backlog suppressed"), nil
		}
	}

	id := NormalizeEntry(mc.Provider, mc.From)
	var meta *pairing.RequestMeta
	if mc.AccountID != "" || mc.SenderName != "" {
		meta = &pairing.RequestMeta{AccountID: mc.AccountID, Name: mc.SenderName}
	}
	res, err := e.Pairing.UpsertRequest(ctx, mc.Provider, id, meta)
	if err != nil {
		return Decision{}, fmt.Errorf("upsert pairing request: %w", err)
	}
	if !res.Created {
		// Already pending: do not resend the code.
		return drop("pairing pending"), nil
	}
	slog.Info("access.pairing_request",
		"channel", mc.Provider, "id", id)
	d := drop("pairing requested")
	d.PairingReply = &PairingReply{ID: id, Code: res.Code}
	return d, nil
}

// commandGate drops unauthorized control commands. Text-surface commands
// additionally require the channel to allow them.
func (e *Evaluator) commandGate(mc *bus.MsgContext, pol Policy) (Decision, bool) {
	if !isControlCommand(mc.Body) {
		return Decision{}, false
	}
	if mc.Surface == "text" && !pol.AllowTextCommands {
		slog.Warn("access.command_denied",
			"channel", mc.Provider, "from", mc.From, "reason", "text commands disabled")
		return drop("text commands disabled"), true
	}
	if !mc.CommandAuthorized && !matchAllow(mc.Provider, mc.From, pol.AllowFrom) {
		slog.Warn("access.command_denied",
			"channel", mc.Provider, "from", mc.From, "reason", "sender not authorized")
		return drop("command not authorized"), true
	}
	return Decision{}, false
}

// isControlCommand reports whether the body parses as a slash command.
func isControlCommand(body string) bool {
	s := strings.TrimSpace(body)
	if len(s) < 2 || s[0] != '/' {
		return false
	}
	// "/ not-a-command" and "//" are plain text.
	c := s[1]
	return c != '/' && c != ' '
}
