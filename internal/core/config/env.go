package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Pattern: SITTERD_[SECTION]_[KEY] (e.g., SITTERD_COALESCE_WINDOW).
func ApplyEnvOverrides(cfg *Config) {
	setEnvString(&cfg.GrammarsPath, "SITTERD_GRAMMARS_PATH")
	setEnvString(&cfg.QueriesPath, "SITTERD_QUERIES_PATH")

	// Server
	setEnvString(&cfg.Server.SocketPath, "SITTERD_SERVER_SOCKET_PATH")
	setEnvInt(&cfg.Server.MaxFrameBytes, "SITTERD_SERVER_MAX_FRAME_BYTES")
	setEnvFloat64(&cfg.Server.RequestsPerSecond, "SITTERD_SERVER_REQUESTS_PER_SECOND")
	setEnvInt(&cfg.Server.Burst, "SITTERD_SERVER_BURST")

	// Coalesce
	setEnvDuration(&cfg.Coalesce.Window, "SITTERD_COALESCE_WINDOW")
	setEnvInt(&cfg.Coalesce.MaxPending, "SITTERD_COALESCE_MAX_PENDING")
	setEnvInt(&cfg.Coalesce.QueueBound, "SITTERD_COALESCE_QUEUE_BOUND")

	// Parse / Query
	setEnvDuration(&cfg.Parse.Timeout, "SITTERD_PARSE_TIMEOUT")
	setEnvString(&cfg.Query.TieBreak, "SITTERD_QUERY_TIE_BREAK")
	setEnvInt(&cfg.Query.DefaultPriority, "SITTERD_QUERY_DEFAULT_PRIORITY")

	// Observability
	setEnvBool(&cfg.Observability.Enabled, "SITTERD_OBSERVABILITY_ENABLED")
	setEnvString(&cfg.Observability.Address, "SITTERD_OBSERVABILITY_ADDRESS")
	setEnvString(&cfg.Observability.OTLPEndpoint, "SITTERD_OBSERVABILITY_OTLP_ENDPOINT")
	setEnvBool(&cfg.Observability.EnableTracing, "SITTERD_OBSERVABILITY_ENABLE_TRACING")

	setEnvString(&cfg.Log.Level, "SITTERD_LOG_LEVEL")
	setEnvString(&cfg.Log.File, "SITTERD_LOG_FILE")
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		slog.Debug("applying env override", "key", key, "value", val)
		*target = val
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = i
		}
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = b
		}
	}
}

func setEnvFloat64(target *float64, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = f
		}
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = d
		}
	}
}
