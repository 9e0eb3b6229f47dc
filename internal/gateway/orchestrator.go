package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openclaw/openclaw/internal/abort"
	"github.com/openclaw/openclaw/internal/access"
	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/authprofiles"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/followup"
	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/subagents"
)

// promptMaxBytes guards against runaway prompt assembly.
const promptMaxBytes = 2 * 1024 * 1024

// dedupeTTL is how long an inbound message id stays in the dedupe cache.
const dedupeTTL = 10 * time.Minute

// Outcome classifies the handling of one inbound message.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDropped   Outcome = "dropped"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeErrored   Outcome = "errored"
	OutcomeAborted   Outcome = "aborted"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
)

// Result is the typed outcome of HandleInbound. User-facing refusals carry
// Reason and, when known, RetryAtMs instead of raising.
type Result struct {
	OK        bool
	Outcome   Outcome
	Reason    string
	RetryAtMs int64
}

// Hooks are optional observation points fired with normalized metadata.
type Hooks struct {
	MessageReceived  func(mc *bus.MsgContext)
	MessageProcessed func(mc *bus.MsgContext, outcome Outcome, reason string)
}

// Config tunes the orchestrator.
type Config struct {
	BotUsername string
	// ProviderFor maps an agent to its model provider for profile
	// selection. Nil defaults every agent to "anthropic".
	ProviderFor func(agentID string) string
	Maintenance *sessions.MaintenanceConfig
	Followups   followup.Config
	RunTimeout  time.Duration
}

// Orchestrator wires the pipeline: dedupe, fast-abort, access, routing,
// session bookkeeping, the agent run, and dispatch. One instance owns all
// in-memory side state.
type Orchestrator struct {
	cfg       Config
	router    *Router
	sessions  *sessions.Store
	pairing   *pairing.Store
	access    *access.Evaluator
	profiles  *authprofiles.Store
	runner    agent.Runner
	manager   *channels.Manager
	dedupe    *bus.DedupeCache
	abortMem  *abort.Memory
	subagents *subagents.Registry
	followups *followup.Queue
	pending   *pendingMap
	limiter   *channels.SessionRateLimiter
	tracer    trace.Tracer
	hooks     Hooks
	// TypingFor supplies a typing controller per destination; nil means no
	// presence.
	TypingFor func(channel, to string) dispatch.TypingController
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Router    *Router
	Sessions  *sessions.Store
	Pairing   *pairing.Store
	Access    *access.Evaluator
	Profiles  *authprofiles.Store
	Runner    agent.Runner
	Manager   *channels.Manager
	Subagents *subagents.Registry
	Tracer    trace.Tracer
	Hooks     Hooks
}

// New creates an orchestrator owning the pipeline's in-memory state.
func New(cfg Config, deps Deps) *Orchestrator {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("openclaw")
	}
	reg := deps.Subagents
	if reg == nil {
		reg = subagents.NewRegistry()
	}
	o := &Orchestrator{
		cfg:       cfg,
		router:    deps.Router,
		sessions:  deps.Sessions,
		pairing:   deps.Pairing,
		access:    deps.Access,
		profiles:  deps.Profiles,
		runner:    deps.Runner,
		manager:   deps.Manager,
		dedupe:    bus.NewDedupeCache(dedupeTTL, 5000),
		abortMem:  abort.NewMemory(0),
		subagents: reg,
		pending:   newPendingMap(),
		limiter:   channels.NewSessionRateLimiter(0, 0),
		tracer:    tracer,
		hooks:     deps.Hooks,
	}
	o.followups = followup.NewQueue(cfg.Followups, o.onFollowupReady)
	return o
}

// Subagents exposes the registry for spawn bookkeeping.
func (o *Orchestrator) Subagents() *subagents.Registry { return o.subagents }

// SetBotUsername installs the bot's own mention handle once the channel
// reports it. Abort trigger matching uses it for "@bot stop" forms.
func (o *Orchestrator) SetBotUsername(name string) { o.cfg.BotUsername = name }

// HandleInbound runs one normalized inbound message through the pipeline.
func (o *Orchestrator) HandleInbound(ctx context.Context, mc *bus.MsgContext) Result {
	ctx, span := o.tracer.Start(ctx, "message_processed")
	res := o.handleInbound(ctx, mc)
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.String("reason", res.Reason),
		attribute.String("channel", mc.Provider),
	)
	span.End()
	if o.hooks.MessageProcessed != nil {
		o.hooks.MessageProcessed(mc, res.Outcome, res.Reason)
	}
	return res
}

func (o *Orchestrator) handleInbound(ctx context.Context, mc *bus.MsgContext) Result {
	// 1. Dedupe.
	if mc.MessageSid != "" {
		if o.dedupe.IsDuplicate(dedupeKey(mc)) {
			slog.Info("gateway.duplicate_skipped",
				"channel", mc.Provider, "sid", mc.MessageSid)
			return Result{OK: true, Outcome: OutcomeSkipped, Reason: "duplicate"}
		}
	}

	route := o.router.Resolve(mc)
	// Pre-built keys (cron runs, sub-agent spawns) win over derivation.
	if mc.SessionKey != "" {
		route.SessionKey = sessions.Canonicalize(mc.SessionKey)
	}

	// 2. Fast-abort, before access and command parsing.
	if abort.IsTrigger(mc.Body, o.cfg.BotUsername) {
		stopped := o.fastAbort(route.SessionKey)
		o.sendDirect(ctx, mc, abortAck(stopped))
		return Result{OK: true, Outcome: OutcomeAborted}
	}

	// 3. Access control. Internal lanes (cron, subagent, cli) carry no
	// external sender and bypass policy.
	if channels.IsInternalChannel(mc.Provider) {
		return o.runTurn(ctx, mc, route)
	}
	decision, err := o.access.Evaluate(ctx, mc)
	if err != nil {
		slog.Error("gateway.access_failed", "channel", mc.Provider, "error", err)
		return Result{Outcome: OutcomeErrored, Reason: "access evaluation failed"}
	}
	if !decision.Allow {
		if decision.PairingReply != nil {
			o.sendDirect(ctx, mc, pairingReplyText(decision.PairingReply, mc.Provider))
		}
		slog.Info("gateway.dropped",
			"channel", mc.Provider, "from", mc.From, "reason", decision.Reason)
		return Result{OK: true, Outcome: OutcomeDropped, Reason: decision.Reason}
	}

	// 4. Hooks.
	if o.hooks.MessageReceived != nil {
		o.hooks.MessageReceived(mc)
	}

	// 5.–6. Route is resolved; finalize context and guard the prompt.
	if len(mc.Body) > promptMaxBytes {
		o.sendDirect(ctx, mc, "Message too large to process.")
		return Result{OK: true, Outcome: OutcomeRejected, Reason: "prompt too large"}
	}
	mc.SessionKey = route.SessionKey

	// Session-creation rate limit applies only to keys without an entry.
	if _, known := o.sessions.ReadUpdatedAt(route.StorePath, route.SessionKey); !known {
		if !o.limiter.Allow(mc.Provider + "|" + mc.AccountID) {
			o.sendDirect(ctx, mc, "Too many new conversations; try again shortly.")
			return Result{Outcome: OutcomeRejected, Reason: "session rate limit"}
		}
	}

	// Follow-up path: a running turn absorbs the message instead of
	// spawning a second run.
	if o.pending.active(route.SessionKey) {
		res := o.followups.Enqueue(route.SessionKey, followup.Item{
			Body:       mc.Body,
			SenderName: mc.SenderName,
		})
		if res.Rejected {
			o.sendDirect(ctx, mc, "Queue is full; message dropped.")
			return Result{Outcome: OutcomeRejected, Reason: "followup queue full"}
		}
		if res.Interrupt {
			o.stopLane(route.SessionKey)
			o.abortMem.Clear(route.SessionKey)
			// Fall through: the new prompt starts immediately.
		} else {
			slog.Debug("gateway.followup_queued",
				"session", route.SessionKey, "depth", res.Depth)
			return Result{OK: true, Outcome: OutcomeQueued}
		}
	}

	return o.runTurn(ctx, mc, route)
}

// runTurn records the inbound, selects credentials, runs the agent, and
// dispatches its replies.
func (o *Orchestrator) runTurn(ctx context.Context, mc *bus.MsgContext, route Route) Result {
	if _, err := o.sessions.RecordInbound(ctx, route.StorePath, route.SessionKey, mc, sessions.UpdateOptions{
		Maintenance: o.cfg.Maintenance,
	}); err != nil {
		slog.Error("gateway.record_inbound_failed",
			"session", route.SessionKey, "error", err)
		return Result{Outcome: OutcomeErrored, Reason: "session store write failed"}
	}

	provider := "anthropic"
	if o.cfg.ProviderFor != nil {
		if p := o.cfg.ProviderFor(route.AgentID); p != "" {
			provider = p
		}
	}
	sel, unavailable, err := o.profiles.Select(provider, authprofiles.SelectOptions{})
	if err != nil {
		slog.Error("gateway.profile_select_failed", "provider", provider, "error", err)
		return Result{Outcome: OutcomeErrored, Reason: "auth profile store failed"}
	}
	if unavailable != nil {
		o.sendDirect(ctx, mc, unavailableMessage(unavailable))
		return Result{Outcome: OutcomeRejected, Reason: string(unavailable.Reason), RetryAtMs: unavailable.RetryAt}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pp := newPendingPrompt(uuid.NewString(), route.SessionKey, dedupeKey(mc), cancel)
	o.pending.register(pp)
	o.abortMem.Clear(route.SessionKey)

	timeoutMs := int64(0)
	if o.cfg.RunTimeout > 0 {
		timeoutMs = o.cfg.RunTimeout.Milliseconds()
	}
	events, err := o.runner.Run(runCtx, agent.RunParams{
		SessionKey:     route.SessionKey,
		Message:        mc.Body,
		Attachments:    mc.MediaUrls,
		IdempotencyKey: pp.IdempotencyKey,
		TimeoutMs:      timeoutMs,
		AuthProfileID:  sel.ProfileID,
	})
	if err != nil {
		o.pending.finish(pp, TerminalRefusal)
		o.markProfileFailure(ctx, sel.ProfileID, err)
		slog.Error("gateway.run_start_failed", "session", route.SessionKey, "error", err)
		return Result{Outcome: OutcomeErrored, Reason: "agent start failed"}
	}

	replyChannel := mc.ReplyChannel()
	replyTo := mc.ReplyTo()
	var typing dispatch.TypingController
	if o.TypingFor != nil {
		typing = o.TypingFor(replyChannel, replyTo)
	}
	dispatcher := dispatch.New(
		dispatch.SenderFunc(o.manager.SenderFor(replyChannel)), replyTo, typing)
	if typing != nil {
		typing.StartTypingLoop(runCtx)
	}

	handler := newEventHandler(pp, dispatcher, mc.IsGroup())
	terminal := o.consume(events, handler, pp)

	res := o.finishTurn(ctx, mc, route, sel.ProfileID, handler, dispatcher, pp, terminal)

	if typing != nil {
		typing.MarkDispatchIdle()
		typing.Cleanup()
	}

	// Re-enter with anything queued while the turn ran.
	o.drainFollowups(ctx, mc, route)
	return res
}

// consume pumps the event stream until a terminal event or abort.
func (o *Orchestrator) consume(events <-chan agent.Event, handler *eventHandler, pp *PendingPrompt) string {
	for ev := range events {
		if handler.handle(ev) {
			switch ev.Kind {
			case agent.EventFinal:
				return TerminalEndTurn
			case agent.EventAborted:
				return TerminalCancelled
			default:
				return TerminalRefusal
			}
		}
		if o.abortMem.Marked(pp.SessionKey) {
			return TerminalCancelled
		}
	}
	// Stream closed without a terminal event: treat as cancelled.
	return TerminalCancelled
}

func (o *Orchestrator) finishTurn(ctx context.Context, mc *bus.MsgContext, route Route, profileID string,
	handler *eventHandler, dispatcher *dispatch.Dispatcher, pp *PendingPrompt, terminal string) Result {

	switch terminal {
	case TerminalEndTurn:
		if payload, ok := handler.finalPayload(); ok {
			dispatcher.SendFinalReply(payload)
		}
		dispatcher.MarkComplete()
		dispatcher.WaitForIdle()
		o.pending.finish(pp, TerminalEndTurn)
		if err := o.profiles.MarkUsed(ctx, profileID); err != nil {
			slog.Warn("gateway.mark_used_failed", "profile", profileID, "error", err)
		}
		return Result{OK: true, Outcome: OutcomeCompleted}

	case TerminalCancelled:
		dispatcher.Close()
		o.pending.finish(pp, TerminalCancelled)
		return Result{OK: true, Outcome: OutcomeAborted, Reason: "cancelled"}

	default:
		dispatcher.Close()
		o.pending.finish(pp, TerminalRefusal)
		o.markProfileFailure(ctx, profileID, handler.runErr)
		reason := "agent error"
		if handler.runErr != nil {
			reason = handler.runErr.Error()
		}
		slog.Error("gateway.run_errored", "session", route.SessionKey, "error", reason)
		return Result{Outcome: OutcomeErrored, Reason: reason}
	}
}

// drainFollowups re-enters the pipeline with the coalesced queue contents.
func (o *Orchestrator) drainFollowups(ctx context.Context, mc *bus.MsgContext, route Route) {
	if o.abortMem.Marked(route.SessionKey) {
		return
	}
	prompt, n := o.followups.DrainPrompt(route.SessionKey)
	if n == 0 {
		return
	}
	// The per-inbound size guard applies again to the coalesced prompt:
	// items that each fit can add up past the cap.
	if len(prompt) > promptMaxBytes {
		slog.Warn("gateway.followup_prompt_too_large",
			"session", route.SessionKey, "items", n, "bytes", len(prompt))
		o.sendDirect(ctx, mc, "Message too large to process.")
		return
	}
	slog.Info("gateway.followup_drain", "session", route.SessionKey, "items", n)
	next := *mc
	next.Body = prompt
	next.MessageSid = ""
	next.MediaUrls = nil
	o.runTurn(ctx, &next, route)
}

// onFollowupReady handles the debounce timer for sessions whose run already
// ended before the queue drained. Items that slipped in between the active
// check and the post-run drain start a fresh turn; only abort-marked or
// unroutable sessions drop their queue.
func (o *Orchestrator) onFollowupReady(sessionKey string) {
	if o.pending.active(sessionKey) {
		return
	}
	if o.abortMem.Marked(sessionKey) {
		if n := o.followups.Clear(sessionKey); n > 0 {
			slog.Debug("gateway.followups_cleared", "session", sessionKey, "count", n)
		}
		return
	}

	agentID := sessions.AgentID(sessionKey)
	if agentID == "" {
		agentID = "default"
	}
	route := Route{
		AgentID:    agentID,
		SessionKey: sessionKey,
		StorePath:  sessions.ResolveStorePath(o.router.StorePathHint, o.router.BaseDir, agentID),
	}

	// The reply destination comes from the session's routing snapshot.
	entries, err := o.sessions.Load(route.StorePath)
	if err != nil {
		slog.Error("gateway.followup_load_failed", "session", sessionKey, "error", err)
		return
	}
	entry := entries[sessionKey]
	if entry == nil || entry.LastChannel == "" {
		if n := o.followups.Clear(sessionKey); n > 0 {
			slog.Warn("gateway.followups_unroutable_dropped", "session", sessionKey, "count", n)
		}
		return
	}

	mc := &bus.MsgContext{
		Provider:   entry.LastChannel,
		From:       entry.LastTo,
		To:         entry.LastTo,
		ChatType:   entry.ChatType,
		SessionKey: sessionKey,
	}
	o.drainFollowups(context.Background(), mc, route)
}

// sendDirect delivers a single system-generated line to the inbound's reply
// destination, bypassing the dispatcher.
func (o *Orchestrator) sendDirect(ctx context.Context, mc *bus.MsgContext, text string) {
	if text == "" || o.manager == nil {
		return
	}
	if err := o.manager.Deliver(ctx, mc.ReplyChannel(), mc.ReplyTo(), bus.ReplyPayload{Text: text}); err != nil {
		slog.Warn("gateway.direct_send_failed",
			"channel", mc.ReplyChannel(), "to", mc.ReplyTo(), "error", err)
	}
}

func (o *Orchestrator) markProfileFailure(ctx context.Context, profileID string, runErr error) {
	if profileID == "" {
		return
	}
	if err := o.profiles.MarkFailure(ctx, profileID, categorizeFailure(runErr)); err != nil {
		slog.Warn("gateway.mark_failure_failed", "profile", profileID, "error", err)
	}
}

// categorizeFailure maps a runner error onto the cooldown taxonomy.
func categorizeFailure(err error) authprofiles.FailureReason {
	if err == nil {
		return authprofiles.FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "billing") || strings.Contains(msg, "quota") || strings.Contains(msg, "credit"):
		return authprofiles.FailureBilling
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return authprofiles.FailureRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "auth"):
		return authprofiles.FailureAuth
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return authprofiles.FailureModelNotFound
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return authprofiles.FailureTimeout
	case strings.Contains(msg, "format") || strings.Contains(msg, "parse"):
		return authprofiles.FailureFormat
	default:
		return authprofiles.FailureUnknown
	}
}

// unavailableMessage renders the all-profiles-unusable refusal.
func unavailableMessage(u *authprofiles.Unavailable) string {
	msg := "No usable credentials right now"
	switch u.Reason {
	case authprofiles.FailureBilling:
		msg = "Provider billing issue; credentials are disabled"
	case authprofiles.FailureAuth:
		msg = "Provider authentication failed"
	case authprofiles.FailureRateLimit:
		msg = "Provider rate limit reached"
	}
	if u.RetryAt > 0 {
		return fmt.Sprintf("%s. Retry after %s.", msg, time.UnixMilli(u.RetryAt).UTC().Format(time.RFC3339))
	}
	return msg + "."
}

// pairingReplyText composes the channel-appropriate pairing message.
func pairingReplyText(pr *access.PairingReply, channel string) string {
	return fmt.Sprintf(
		"OpenClaw: access not configured.\n\nYour %s id: %s\nPairing code: %s\n\nAsk the operator to approve with:\n  openclaw pair approve %s",
		channel, pr.ID, pr.Code, pr.Code)
}

// dedupeKey builds the LRU key for one inbound message.
func dedupeKey(mc *bus.MsgContext) string {
	channel := mc.Provider
	if mc.OriginatingChannel != "" {
		channel = mc.OriginatingChannel
	}
	return channel + "|" + mc.To + "|" + mc.MessageSid
}
