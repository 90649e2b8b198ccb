package core

import (
	"os"
	"time"

	"sockrepl/config"
	"sockrepl/internal/capability"
	"sockrepl/internal/eval"
	"sockrepl/internal/metrics"
	"sockrepl/internal/repl"
	"sockrepl/internal/retry"
	"sockrepl/internal/router"
	"sockrepl/internal/server"
	"sockrepl/internal/shutdown"
	"sockrepl/internal/transport"
	"sockrepl/tunnel"
	"sockrepl/util"
)

// Build constructs the appropriate Mode from the given configuration.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Connect {
		return buildConnect(cfg, logger), nil
	}
	return buildServe(cfg, logger), nil
}

// ── mode builders ────────────────────────────────────────────────────

func buildServe(cfg *config.Config, logger *util.Logger) *ServeMode {
	rt := router.New(os.Stdout)
	sd := shutdown.New()
	m := metrics.New()

	evaluator := &eval.Evaluator{
		Router:     rt,
		Shutdown:   sd,
		Metrics:    m,
		Logger:     logger.Named("eval"),
		RoutePrint: cfg.RoutePrint,
	}
	engine := &repl.Engine{
		Evaluator:          evaluator,
		Router:             rt,
		Metrics:            m,
		Logger:             logger,
		Prompt:             cfg.Prompt,
		ContinuationPrompt: cfg.ContinuationPrompt,
		Banner:             cfg.Banner,
	}

	return &ServeMode{
		Server: &server.Server{
			Network:      cfg.Network(),
			Address:      cfg.Address(),
			MaxSessions:  cfg.MaxSessions,
			PollInterval: cfg.PollInterval,
			DrainTimeout: cfg.DrainTimeout,
			GracePeriod:  cfg.GracePeriod,
			Handler:      engine,
			Shutdown:     sd,
			Metrics:      m,
			Logger:       logger,
		},
		Logger: logger,
	}
}

func buildConnect(cfg *config.Config, logger *util.Logger) *ConnectMode {
	backoff := retry.DefaultBackoff()
	backoff.MaxAttempts = cfg.Retries + 1
	backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("connect attempt %d failed: %v (retrying in %s)",
			attempt, err, wait.Truncate(time.Millisecond))
	}

	return &ConnectMode{
		Dialer:     buildDialer(cfg, logger),
		Capability: &capability.Relay{},
		Network:    cfg.Network(),
		Address:    cfg.Address(),
		Retry:      backoff,
		Logger:     logger,
	}
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the right transport.Dialer for the given config.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.TunnelEnabled {
		return transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			AuthOrder:     cfg.SSHAuth,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.Timeout,
		}, logger)
	}
	return &transport.TCPDialer{Timeout: cfg.Timeout}
}
