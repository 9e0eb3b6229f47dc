package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-5",
				Workspace: "~/.openclaw/workspace",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				ChannelPolicy: ChannelPolicy{DMPolicy: "pairing", GroupPolicy: "allowlist"},
			},
			Discord: DiscordConfig{
				ChannelPolicy: ChannelPolicy{DMPolicy: "pairing", GroupPolicy: "allowlist"},
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Sessions: SessionsConfig{
			Storage:     "~/.openclaw/sessions",
			Maintenance: "warn",
		},
		Pairing: PairingConfig{
			Storage: "~/.openclaw/pairing",
		},
		Auth: AuthConfig{
			Storage: "~/.openclaw/auth-profiles.json",
		},
		Followup: FollowupConfig{
			Mode:       "collect",
			DropPolicy: "summarize",
			Cap:        10,
			DebounceMs: 1500,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("OPENCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OPENCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("OPENCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPENCLAW_TS_AUTHKEY", &c.Gateway.Tailscale.AuthKey)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("OPENCLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("OPENCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("OPENCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OPENCLAW_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("OPENCLAW_PAIRING_STORAGE", &c.Pairing.Storage)
	envStr("OPENCLAW_AUTH_STORAGE", &c.Auth.Storage)

	envStr("OPENCLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("OPENCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
}
