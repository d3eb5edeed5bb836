package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

var knownQueryKinds = map[string]bool{
	"highlights":  true,
	"textobjects": true,
	"injections":  true,
	"locals":      true,
	"indents":     true,
}

func Validate(cfg *Config) []error {
	var errs []error

	if err := validateVersion(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateServer(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateCoalesce(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateParse(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateQuery(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateLanguages(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateLog(cfg); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validatePaths(cfg)...)
	return errs
}

func validateVersion(cfg *Config) error {
	if cfg.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", cfg.Version)
	}
	if cfg.Version > 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateServer(cfg *Config) error {
	if strings.TrimSpace(cfg.Server.SocketPath) == "" {
		return fmt.Errorf("server.socket_path must not be empty")
	}
	if cfg.Server.MaxFrameBytes < 1024 {
		return fmt.Errorf("server.max_frame_bytes must be >= 1024, got %d", cfg.Server.MaxFrameBytes)
	}
	if cfg.Server.Burst < 1 {
		return fmt.Errorf("server.burst must be >= 1, got %d", cfg.Server.Burst)
	}
	return nil
}

func validateCoalesce(cfg *Config) error {
	c := cfg.Coalesce
	if c.Window < time.Millisecond || c.Window > 5*time.Second {
		return fmt.Errorf("coalesce.window must be between 1ms and 5s, got %s", c.Window)
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("coalesce.max_pending must be >= 1, got %d", c.MaxPending)
	}
	if c.QueueBound < c.MaxPending {
		return fmt.Errorf("coalesce.queue_bound (%d) must be >= coalesce.max_pending (%d)", c.QueueBound, c.MaxPending)
	}
	return nil
}

func validateParse(cfg *Config) error {
	if cfg.Parse.Timeout < 0 {
		return fmt.Errorf("parse.timeout must not be negative, got %s", cfg.Parse.Timeout)
	}
	return nil
}

func validateQuery(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Query.TieBreak)) {
	case TieBreakEarlierPattern, TieBreakLaterPattern:
	default:
		return fmt.Errorf("query.tie_break must be one of: %s, %s", TieBreakEarlierPattern, TieBreakLaterPattern)
	}
	for _, kind := range cfg.Query.ExclusiveKinds {
		if !knownQueryKinds[strings.TrimSpace(kind)] {
			return fmt.Errorf("query.exclusive_kinds contains unknown kind %q", kind)
		}
	}
	return nil
}

func validateLanguages(cfg *Config) error {
	for language, settings := range cfg.Languages {
		if strings.TrimSpace(language) == "" {
			return fmt.Errorf("languages key must not be empty")
		}
		for _, ext := range settings.Extensions {
			if strings.TrimSpace(ext) == "" {
				return fmt.Errorf("languages.%s.extensions must not include empty values", language)
			}
		}
		for _, name := range settings.Filenames {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("languages.%s.filenames must not include empty values", language)
			}
		}
		for _, pattern := range settings.Globs {
			if _, err := glob.Compile(pattern, '/'); err != nil {
				return fmt.Errorf("languages.%s.globs: invalid pattern %q: %w", language, pattern, err)
			}
		}
	}
	return nil
}

func validateLog(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
}

func validatePaths(cfg *Config) []error {
	var errs []error
	for name, path := range map[string]string{"grammars_path": cfg.GrammarsPath, "queries_path": cfg.QueriesPath} {
		if path == "" {
			continue
		}
		stat, err := os.Stat(path)
		if os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("%s %q does not exist", name, path))
		} else if err == nil && !stat.IsDir() {
			errs = append(errs, fmt.Errorf("%s %q is not a directory", name, path))
		}
	}
	return errs
}
