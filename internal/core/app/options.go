package app

import (
	"log/slog"
	"strings"

	"sitterd/internal/core/config"
	"sitterd/internal/engine/coalescer"
	"sitterd/internal/engine/query"
	"sitterd/internal/engine/registry"
	"sitterd/internal/server"
	"sitterd/internal/session"
	"sitterd/internal/shared/observability"
)

// LanguageOverrides converts the [languages] tables into registry overrides.
func LanguageOverrides(cfg *config.Config) map[string]registry.LanguageOverride {
	if len(cfg.Languages) == 0 {
		return nil
	}
	out := make(map[string]registry.LanguageOverride, len(cfg.Languages))
	for id, lang := range cfg.Languages {
		out[strings.ToLower(strings.TrimSpace(id))] = registry.LanguageOverride{
			Enabled:    lang.Enabled,
			Aliases:    lang.Aliases,
			Extensions: lang.Extensions,
			Filenames:  lang.Filenames,
			Globs:      lang.Globs,
		}
	}
	return out
}

func QueryPolicy(cfg *config.Config) query.Policy {
	p := query.DefaultPolicy()
	if tb := strings.ToLower(strings.TrimSpace(cfg.Query.TieBreak)); tb != "" {
		p.TieBreak = tb
	}
	if cfg.Query.DefaultPriority > 0 {
		p.DefaultPriority = cfg.Query.DefaultPriority
	}
	if cfg.Query.ExclusiveKinds != nil {
		p.ExclusiveKinds = []registry.QueryKind{}
		for _, k := range cfg.Query.ExclusiveKinds {
			if kind, ok := registry.ParseQueryKind(k); ok {
				p.ExclusiveKinds = append(p.ExclusiveKinds, kind)
			}
		}
	}
	return p
}

// SessionOptions holds the hot-reloadable part of the configuration.
func SessionOptions(cfg *config.Config, logger *slog.Logger) session.Options {
	return session.Options{
		Coalesce: coalescer.Policy{
			Window:     cfg.Coalesce.Window,
			MaxPending: cfg.Coalesce.MaxPending,
			QueueBound: cfg.Coalesce.QueueBound,
		},
		Query:        QueryPolicy(cfg),
		ParseTimeout: cfg.Parse.Timeout,
		CacheEntries: cfg.Query.CacheEntries,
		Logger:       logger,
	}
}

func ServerConfig(cfg *config.Config) server.Config {
	return server.Config{
		SocketPath:        cfg.Server.SocketPath,
		MaxFrameBytes:     cfg.Server.MaxFrameBytes,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		OutboundBuffer:    cfg.Server.OutboundBuffer,
	}
}

func TracingConfig(cfg *config.Config) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     cfg.Observability.EnableTracing,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: cfg.Observability.ServiceName,
	}
}
