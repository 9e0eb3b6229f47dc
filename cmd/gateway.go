package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/access"
	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/authprofiles"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/channels/discord"
	"github.com/openclaw/openclaw/internal/channels/telegram"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/diag"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/locks"
	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/internal/sessions"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (channels, control surface, cron)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer diag.Shutdown(context.Background())

	lm := locks.NewManager()
	sessionStore := sessions.NewStore(lm, locks.Options{})
	pairingStore := pairing.NewStore(expandPath(cfg.Pairing.Storage), lm, locks.Options{})
	profileStore := authprofiles.NewStore(expandPath(cfg.Auth.Storage), lm, locks.Options{}, authprofiles.CooldownConfig{
		FailureWindowMs: cfg.Auth.FailureWindowMs,
		BillingBaseMs:   cfg.Auth.BillingBaseMs,
		BillingMaxMs:    cfg.Auth.BillingMaxMs,
		BillingPerProv:  cfg.Auth.BillingPerProv,
	})

	manager := channels.NewManager(1, 3)
	var tg *telegram.Adapter
	if cfg.Channels.Telegram.Enabled {
		tg, err = telegram.New(telegram.Config{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Proxy:     cfg.Channels.Telegram.Proxy,
		})
		if err != nil {
			slog.Error("channels.telegram_init_failed", "error", err)
			os.Exit(1)
		}
		manager.Register(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(discord.Config{
			Token:     cfg.Channels.Discord.Token,
			AllowFrom: cfg.Channels.Discord.AllowFrom,
		})
		if err != nil {
			slog.Error("channels.discord_init_failed", "error", err)
			os.Exit(1)
		}
		manager.Register(dc)
	}

	// liveCfg is the hot-reloadable snapshot; readers always see a complete
	// config, never a half-applied one.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	evaluator := &access.Evaluator{
		Pairing: pairingStore,
		PolicyFor: func(channel, accountID string) access.Policy {
			return liveCfg.Load().PolicyFor(channel, accountID)
		},
		ConnectedAt: manager.ConnectedAt,
	}

	router := &gateway.Router{
		DefaultAgent: cfg.Routing.DefaultAgent,
		Rules:        cfg.Routing.Rules,
		BaseDir:      expandPath(cfg.Sessions.Storage),
	}

	runner := agent.NewCommandRunner(cfg.Agents.Defaults.Command)

	maint := &sessions.MaintenanceConfig{
		Mode:         sessions.MaintenanceMode(cfg.Sessions.Maintenance),
		PruneAfterMs: cfg.Sessions.PruneAfterMs,
		MaxEntries:   cfg.Sessions.MaxEntries,
		MaxDiskBytes: cfg.Sessions.MaxDiskBytes,
	}

	orch := gateway.New(gateway.Config{
		ProviderFor: cfg.ProviderFor,
		Maintenance: maint,
		Followups:   cfg.Followup.Queue(),
	}, gateway.Deps{
		Router:   router,
		Sessions: sessionStore,
		Pairing:  pairingStore,
		Access:   evaluator,
		Profiles: profileStore,
		Runner:   runner,
		Manager:  manager,
		Tracer:   diag.Tracer("openclaw"),
	})
	if tg != nil {
		orch.TypingFor = func(channel, to string) dispatch.TypingController {
			if channel == "telegram" {
				return tg.Typing(to)
			}
			return dispatch.NoopTyping{}
		}
	}

	inbound, err := manager.StartAll(ctx)
	if err != nil {
		slog.Error("channels.start_failed", "error", err)
		os.Exit(1)
	}
	if tg != nil {
		orch.SetBotUsername(tg.BotName())
	}

	go func() {
		for mc := range inbound {
			mc := mc
			go orch.HandleInbound(ctx, &mc)
		}
	}()

	if len(cfg.Cron.Jobs) > 0 {
		jobs := make([]cron.Job, 0, len(cfg.Cron.Jobs))
		for _, j := range cfg.Cron.Jobs {
			jobs = append(jobs, cron.Job{
				ID:      j.ID,
				Expr:    j.Expr,
				AgentID: j.AgentID,
				Message: j.Message,
				Channel: j.Channel,
				To:      j.To,
			})
		}
		sched, err := cron.NewScheduler(jobs, func(ctx context.Context, mc *bus.MsgContext) {
			orch.HandleInbound(ctx, mc)
		})
		if err != nil {
			slog.Error("cron.invalid_schedule", "error", err)
			os.Exit(1)
		}
		go sched.Run(ctx)
	}

	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			// Policy and routing changes apply live; channel and
			// listener changes need a restart.
			liveCfg.Store(next)
			router.Update(next.Routing.DefaultAgent, next.Routing.Rules)
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config.watch_failed", "error", err)
		}
	}()

	server := gateway.NewServer(gateway.ServerConfig{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Token:             cfg.Gateway.Token,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		TailscaleEnabled:  cfg.Gateway.Tailscale.Enabled,
		TailscaleHostname: cfg.Gateway.Tailscale.Hostname,
		TailscaleStateDir: expandPath(cfg.Gateway.Tailscale.StateDir),
		TailscaleAuthKey:  cfg.Gateway.Tailscale.AuthKey,
	}, orch, pairingStore, sessionStore, manager, router)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway.serve_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway.stopped")
}

// expandPath resolves a leading ~ against the home directory.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
