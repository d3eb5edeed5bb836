package config

import (
	"time"
)

type Config struct {
	Version             int                 `toml:"version"`
	GrammarsPath        string              `toml:"grammars_path"`
	QueriesPath         string              `toml:"queries_path"`
	GrammarVerification GrammarVerification `toml:"grammar_verification"`
	Languages           map[string]Language `toml:"languages"`
	Server              Server              `toml:"server"`
	Coalesce            Coalesce            `toml:"coalesce"`
	Parse               Parse               `toml:"parse"`
	Query               Query               `toml:"query"`
	Observability       Observability       `toml:"observability"`
	Log                 Log                 `toml:"log"`
}

type GrammarVerification struct {
	Enabled *bool `toml:"enabled"`
}

type Language struct {
	Enabled    *bool    `toml:"enabled"`
	Aliases    []string `toml:"aliases"`
	Extensions []string `toml:"extensions"`
	Filenames  []string `toml:"filenames"`
	Globs      []string `toml:"globs"`
}

// Server configures the control-channel socket.
type Server struct {
	SocketPath        string  `toml:"socket_path"`
	MaxFrameBytes     int     `toml:"max_frame_bytes"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	OutboundBuffer    int     `toml:"outbound_buffer"`
}

// Coalesce controls how edit bursts are batched before a reparse.
type Coalesce struct {
	Window     time.Duration `toml:"window"`
	MaxPending int           `toml:"max_pending"`
	QueueBound int           `toml:"queue_bound"`
}

type Parse struct {
	Timeout time.Duration `toml:"timeout"`
}

type Query struct {
	TieBreak        string   `toml:"tie_break"`
	DefaultPriority int      `toml:"default_priority"`
	ExclusiveKinds  []string `toml:"exclusive_kinds"`
	CacheEntries    int      `toml:"cache_entries"`
}

type Observability struct {
	Enabled       bool   `toml:"enabled"`
	Address       string `toml:"address"`
	OTLPEndpoint  string `toml:"otlp_endpoint"`
	EnableTracing bool   `toml:"enable_tracing"`
	ServiceName   string `toml:"service_name"`
}

type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

const (
	TieBreakEarlierPattern = "earlier_pattern"
	TieBreakLaterPattern   = "later_pattern"
)

func (g GrammarVerification) IsEnabled() bool {
	if g.Enabled == nil {
		return true
	}
	return *g.Enabled
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
