// Package config defines the gateway configuration tree: JSON5 file with
// env-var overlays.
package config

import (
	"github.com/openclaw/openclaw/internal/access"
	"github.com/openclaw/openclaw/internal/followup"
	"github.com/openclaw/openclaw/internal/gateway"
)

// Config is the root configuration.
type Config struct {
	Agents   AgentsConfig   `json:"agents"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Sessions SessionsConfig `json:"sessions"`
	Pairing  PairingConfig  `json:"pairing"`
	Auth     AuthConfig     `json:"auth"`
	Cron     CronConfig     `json:"cron"`
	Routing  RoutingConfig  `json:"routing"`
	Followup FollowupConfig `json:"followup"`
	Commands CommandsConfig `json:"commands"`
}

// AgentsConfig configures agents and their defaults.
type AgentsConfig struct {
	Defaults AgentDefaults          `json:"defaults"`
	ByID     map[string]AgentConfig `json:"byId,omitempty"`
}

// AgentDefaults apply to every agent unless overridden.
type AgentDefaults struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Workspace string `json:"workspace"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
	// Command is the agent subprocess argv; the session key is appended
	// per run.
	Command []string `json:"command,omitempty"`
}

// AgentConfig overrides per agent id.
type AgentConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Workspace   string   `json:"workspace,omitempty"`
	AllowAgents []string `json:"allowAgents,omitempty"` // sub-agent spawn targets; "*" for any
}

// ChannelsConfig configures adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// ChannelPolicy is the per-channel access policy block.
type ChannelPolicy struct {
	DMPolicy          string   `json:"dmPolicy,omitempty"`    // open | allowlist | pairing | disabled
	GroupPolicy       string   `json:"groupPolicy,omitempty"` // open | allowlist | disabled
	AllowFrom         []string `json:"allowFrom,omitempty"`
	GroupAllowFrom    []string `json:"groupAllowFrom,omitempty"`
	RequireMention    *bool    `json:"requireMention,omitempty"`
	AllowTextCommands bool     `json:"allowTextCommands,omitempty"`
	PairingGraceMs    int64    `json:"pairingGraceMs,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	Proxy   string `json:"proxy,omitempty"`
	ChannelPolicy
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChannelPolicy
}

// GatewayConfig configures the control surface.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	Tailscale      TSConfig `json:"tailscale"`
}

// TSConfig optionally exposes the control surface on a tailnet.
type TSConfig struct {
	Enabled  bool   `json:"enabled"`
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"stateDir,omitempty"`
	AuthKey  string `json:"authKey,omitempty"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	Storage      string `json:"storage"` // base dir; per-agent sessions.json underneath
	PruneAfterMs int64  `json:"pruneAfterMs,omitempty"`
	MaxEntries   int    `json:"maxEntries,omitempty"`
	MaxDiskBytes int64  `json:"maxDiskBytes,omitempty"`
	Maintenance  string `json:"maintenance,omitempty"` // warn | enforce
}

// PairingConfig configures the pairing store.
type PairingConfig struct {
	Storage string `json:"storage"` // dir for pairing + allowFrom files
}

// AuthConfig configures the auth-profile store.
type AuthConfig struct {
	Storage         string           `json:"storage"` // auth profile JSON path
	BillingBaseMs   int64            `json:"billingBaseMs,omitempty"`
	BillingMaxMs    int64            `json:"billingMaxMs,omitempty"`
	BillingPerProv  map[string]int64 `json:"billingPerProvider,omitempty"`
	FailureWindowMs int64            `json:"failureWindowMs,omitempty"`
}

// CronConfig schedules synthetic heartbeat messages.
type CronConfig struct {
	Jobs []CronJob `json:"jobs,omitempty"`
}

// CronJob is one scheduled prompt.
type CronJob struct {
	ID      string `json:"id"`
	Expr    string `json:"expr"` // cron expression
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"` // reply destination
	To      string `json:"to,omitempty"`
}

// RoutingConfig maps channels to agents.
type RoutingConfig struct {
	DefaultAgent string             `json:"defaultAgent,omitempty"`
	Rules        []gateway.RouteRule `json:"rules,omitempty"`
}

// FollowupConfig tunes the follow-up queue.
type FollowupConfig struct {
	Mode       string `json:"mode,omitempty"`       // collect | latest | interrupt
	DropPolicy string `json:"dropPolicy,omitempty"` // summarize | drop-oldest | reject
	Cap        int    `json:"cap,omitempty"`
	DebounceMs int64  `json:"debounceMs,omitempty"`
}

// Queue converts the block into queue configuration.
func (f FollowupConfig) Queue() followup.Config {
	return followup.Config{
		Mode:       followup.Mode(f.Mode),
		DropPolicy: followup.DropPolicy(f.DropPolicy),
		Cap:        f.Cap,
		DebounceMs: f.DebounceMs,
	}
}

// CommandsConfig gates text-surface control commands.
type CommandsConfig struct {
	Text bool `json:"text"`
}

// AccessPolicy converts a channel block into the evaluator's policy shape.
func (p ChannelPolicy) AccessPolicy(textCommands bool) access.Policy {
	requireMention := true
	if p.RequireMention != nil {
		requireMention = *p.RequireMention
	}
	return access.Policy{
		DM:                access.DMPolicy(p.DMPolicy),
		Group:             access.GroupPolicy(p.GroupPolicy),
		AllowFrom:         p.AllowFrom,
		GroupAllowFrom:    p.GroupAllowFrom,
		RequireMention:    requireMention,
		AllowTextCommands: textCommands && p.AllowTextCommands,
		PairingGraceMs:    p.PairingGraceMs,
	}
}

// ProviderFor resolves the model provider for an agent.
func (c *Config) ProviderFor(agentID string) string {
	if a, ok := c.Agents.ByID[agentID]; ok && a.Provider != "" {
		return a.Provider
	}
	return c.Agents.Defaults.Provider
}

// PolicyFor resolves the effective access policy for (channel, account).
func (c *Config) PolicyFor(channel, accountID string) access.Policy {
	switch channel {
	case "telegram":
		return c.Channels.Telegram.AccessPolicy(c.Commands.Text)
	case "discord":
		return c.Channels.Discord.AccessPolicy(c.Commands.Text)
	default:
		return access.Policy{}
	}
}
