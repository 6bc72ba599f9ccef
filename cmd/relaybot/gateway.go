package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"relaybot/internal/agent"
	"relaybot/internal/backend"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/security"
	"relaybot/internal/session"
)

// runGateway wires the whole pipeline and blocks until shutdown:
// channels -> bus -> orchestrator -> backend, with session persistence
// and in-process counters on the side.
func runGateway(cfg *config.Config) error {
	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	messageBus := bus.New(log)
	collector := metrics.New()

	sessions, err := session.NewSQLiteStore(cfg.Session.DBPath, log)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer sessions.Close()

	pairing, err := security.NewPairing(security.PairingConfig{
		Required: cfg.Security.PairingRequired,
		TTLDays:  cfg.Security.PairingTTLDays,
		DB:       sessions.DB(),
		Logger:   log,
	})
	if err != nil {
		return err
	}

	// The backend reports progress to the orchestrator, which does not
	// exist yet when the backend is built. Bridge with a late-bound func.
	var orch *agent.Orchestrator
	onUpdate := func(u domain.TurnUpdate) {
		if orch != nil {
			orch.OnTurnUpdate(u)
		}
	}

	be, err := buildBackend(cfg, sessions, onUpdate, log)
	if err != nil {
		return err
	}
	defer be.CloseAll()

	orch = agent.NewOrchestrator(agent.OrchestratorConfig{
		Bus:     messageBus,
		Backend: be,
		Commands: &agent.Commands{
			Backend: be,
			Metrics: collector,
			Version: version,
		},
		Prompt:            agent.NewPromptBuilder(cfg.General.Workspace, cfg.Orchestrator.SystemPromptExtra),
		Access:            pairing,
		Logger:            log,
		Metrics:           collector,
		Mode:              domain.PermissionMode(cfg.Backend.PermissionMode),
		ApprovalTimeout:   time.Duration(cfg.Orchestrator.ApprovalTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Orchestrator.HeartbeatSeconds) * time.Second,
		ApprovalChannels:  cfg.Orchestrator.ApprovalChannels,
	})
	go orch.Run(ctx)

	manager := channel.NewManager(messageBus, log)
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		manager.Register(channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    log,
		}))
		log.Info("telegram channel enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		manager.Register(channel.NewDiscord(channel.DiscordConfig{
			Token:     cfg.Channels.Discord.Token,
			AllowFrom: cfg.Channels.Discord.AllowFrom,
			Logger:    log,
		}))
		log.Info("discord channel enabled")
	}
	if cfg.Channels.CLI.Enabled {
		manager.Register(channel.NewCLI(channel.CLIConfig{Logger: log}))
	}

	log.Info("gateway started",
		"backend", cfg.Backend.Kind,
		"bin", cfg.Backend.Bin,
	)
	return manager.Run(ctx)
}

// buildBackend constructs the configured backend kind. Config validation
// has already rejected unknown kinds.
func buildBackend(cfg *config.Config, sessions domain.SessionStore, onUpdate domain.UpdateFunc, log *slog.Logger) (domain.Backend, error) {
	mode := domain.PermissionMode(cfg.Backend.PermissionMode)
	switch cfg.Backend.Kind {
	case "rpc":
		return backend.NewRPC(backend.RPCConfig{
			Bin:       cfg.Backend.Bin,
			Args:      cfg.Backend.Args,
			Model:     cfg.Backend.Model,
			Workspace: cfg.General.Workspace,
			Mode:      mode,
			Sessions:  sessions,
			OnUpdate:  onUpdate,
			Logger:    log,
		}), nil
	case "stream":
		return backend.NewStream(backend.StreamConfig{
			Bin:       cfg.Backend.Bin,
			Model:     cfg.Backend.Model,
			BaseArgs:  cfg.Backend.Args,
			Workspace: cfg.General.Workspace,
			Mode:      mode,
			Sessions:  sessions,
			OnUpdate:  onUpdate,
			Logger:    log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
