// Package app wires configuration into the daemon's components and runs
// them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sitterd/internal/core/config"
	"sitterd/internal/engine/registry"
	"sitterd/internal/server"
	"sitterd/internal/session"
	"sitterd/internal/shared/observability"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	Registry *registry.Registry
	Manager  *session.Manager
	Server   *server.Server

	logger *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	table, err := registry.BuildTable(LanguageOverrides(cfg))
	if err != nil {
		return nil, fmt.Errorf("build language table: %w", err)
	}
	loader := registry.NewDefaultLoader(cfg.GrammarsPath, cfg.QueriesPath, cfg.GrammarVerification.IsEnabled(), logger)
	reg := registry.New(loader, table, registry.WithLogger(logger))
	m := session.NewManager(reg, SessionOptions(cfg, logger))

	return &App{
		Registry: reg,
		Manager:  m,
		Server:   server.New(ServerConfig(cfg), m, logger),
		logger:   logger,
		cfg:      cfg,
	}, nil
}

func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reconfigure applies a reloaded configuration. Only coalescing, parse and
// query policy take effect; socket, grammar and language changes need a
// restart.
func (a *App) Reconfigure(next *config.Config) {
	if errs := config.Validate(next); len(errs) > 0 {
		a.logger.Warn("reloaded configuration rejected", "error", errors.Join(errs...))
		return
	}
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	if prev.Server.SocketPath != next.Server.SocketPath || prev.GrammarsPath != next.GrammarsPath || prev.QueriesPath != next.QueriesPath {
		a.logger.Info("socket and grammar path changes apply after restart")
	}
	a.Manager.Reconfigure(SessionOptions(next, a.logger))
}

// Run serves the control socket until ctx is cancelled or a client asks for
// shutdown. configPath, when set, is watched for changes.
func (a *App) Run(ctx context.Context, configPath string) error {
	cfg := a.Config()

	shutdownTracing, err := observability.InitTracing(ctx, TracingConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if cfg.Observability.Enabled {
		obs := observability.NewServer(cfg.Observability.Address, NewHealthService(a))
		if err := obs.Start(ctx); err != nil {
			return fmt.Errorf("start observability server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = obs.Stop(sctx)
		}()
	}

	if configPath != "" {
		w := config.NewWatcher(configPath, a.Reconfigure)
		if err := w.Start(ctx); err != nil {
			a.logger.Warn("config watcher unavailable", "path", configPath, "error", err)
		} else {
			defer w.Stop()
		}
	}

	defer a.Close()
	return a.Server.ListenAndServe(ctx)
}

func (a *App) Close() {
	a.Manager.Close()
	a.Registry.Close()
}
