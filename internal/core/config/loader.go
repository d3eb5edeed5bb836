package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultFileName = "sitterd.toml"

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if strings.TrimSpace(cfg.Server.SocketPath) == "" {
		cfg.Server.SocketPath = DefaultSocketPath()
	}
	if cfg.Server.MaxFrameBytes <= 0 {
		cfg.Server.MaxFrameBytes = 16 << 20
	}
	if cfg.Server.RequestsPerSecond <= 0 {
		cfg.Server.RequestsPerSecond = 2000
	}
	if cfg.Server.Burst <= 0 {
		cfg.Server.Burst = 500
	}
	if cfg.Server.OutboundBuffer <= 0 {
		cfg.Server.OutboundBuffer = 256
	}

	if cfg.Coalesce.Window == 0 {
		cfg.Coalesce.Window = 50 * time.Millisecond
	}
	if cfg.Coalesce.MaxPending <= 0 {
		cfg.Coalesce.MaxPending = 64
	}
	if cfg.Coalesce.QueueBound <= 0 {
		cfg.Coalesce.QueueBound = 512
	}

	if cfg.Parse.Timeout == 0 {
		cfg.Parse.Timeout = 500 * time.Millisecond
	}

	if strings.TrimSpace(cfg.Query.TieBreak) == "" {
		cfg.Query.TieBreak = TieBreakEarlierPattern
	}
	if cfg.Query.DefaultPriority == 0 {
		cfg.Query.DefaultPriority = 100
	}
	if cfg.Query.ExclusiveKinds == nil {
		cfg.Query.ExclusiveKinds = []string{"highlights"}
	}
	if cfg.Query.CacheEntries <= 0 {
		cfg.Query.CacheEntries = 16
	}

	if strings.TrimSpace(cfg.Observability.Address) == "" {
		cfg.Observability.Address = "127.0.0.1:9464"
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "sitterd"
	}

	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

// DefaultSocketPath places the socket under XDG_RUNTIME_DIR, falling back to the temp dir.
func DefaultSocketPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "sitterd", "sitterd.sock")
	}
	return filepath.Join(os.TempDir(), "sitterd-"+currentUser(), "sitterd.sock")
}

func currentUser() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "default"
}
