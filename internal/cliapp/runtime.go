package cliapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"sitterd/internal/core/app"
	"sitterd/internal/core/config"
	"sitterd/internal/engine/registry/grammar"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Run executes the command line and returns the process exit code.
func Run(args []string) int {
	opts := &cliOptions{}
	root := newRootCommand(opts)
	root.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return 1
	}
	return 0
}

func runServe(ctx context.Context, opts *cliOptions) error {
	cfg, watchPath, err := loadConfig(opts)
	if err != nil {
		return err
	}

	cleanupLogs := configureLogging(cfg, opts.verbose, isatty.IsTerminal(os.Stderr.Fd()))
	defer cleanupLogs()

	a, err := app.New(cfg, slog.Default())
	if err != nil {
		slog.Error("failed to initialize daemon", "error", err)
		return err
	}
	slog.Info("sitterd starting", "version", versionString, "socket", cfg.Server.SocketPath, "config", watchPath)
	if err := a.Run(ctx, watchPath); err != nil {
		slog.Error("daemon stopped with error", "error", err)
		return err
	}
	return nil
}

func runVerifyGrammars(cmd *cobra.Command, opts *cliOptions) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.GrammarsPath == "" {
		return errors.New("no grammars directory configured; pass --grammars or set grammars_path")
	}
	manifest, err := grammar.LoadManifest(filepath.Join(cfg.GrammarsPath, grammar.ManifestFileName))
	if err != nil {
		return err
	}
	issues, err := grammar.VerifyArtifacts(cfg.GrammarsPath, manifest)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		cmd.PrintErrln(issue.String())
	}
	if len(issues) > 0 {
		return fmt.Errorf("%d grammar artifact issue(s)", len(issues))
	}
	cmd.Printf("%d grammar artifact(s) verified\n", len(manifest.Artifacts))
	return nil
}

// loadConfig resolves the configuration from file, environment and flags,
// in that order. The returned path is empty when no file was read.
func loadConfig(opts *cliOptions) (*config.Config, string, error) {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	var (
		cfg *config.Config
		err error
	)
	if explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		path = ""
	}

	config.ApplyEnvOverrides(cfg)
	if opts.socketPath != "" {
		cfg.Server.SocketPath = opts.socketPath
	}
	if opts.grammarsPath != "" {
		cfg.GrammarsPath = opts.grammarsPath
	}
	if opts.queriesPath != "" {
		cfg.QueriesPath = opts.queriesPath
	}
	if err := normalizePaths(cfg); err != nil {
		return nil, "", err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, "", errors.Join(errs...)
	}
	return cfg, path, nil
}

func normalizePaths(cfg *config.Config) error {
	for _, p := range []*string{&cfg.GrammarsPath, &cfg.QueriesPath, &cfg.Server.SocketPath} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return err
		}
		*p = abs
	}
	return nil
}

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sitterd", config.DefaultFileName)
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".config", "sitterd", config.DefaultFileName)
	}
	return config.DefaultFileName
}

// configureLogging logs to stderr on a terminal and to a file otherwise,
// since editors usually start the daemon detached.
func configureLogging(cfg *config.Config, verbose, terminal bool) func() {
	logLevel := parseLevel(cfg.Log.Level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	output := os.Stderr
	closeFn := func() {}
	if !terminal {
		logPath := cfg.Log.File
		if logPath == "" {
			logPath = resolveLogPath()
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create log dir for %s: %v\n", logPath, err)
		} else if fi, err := os.Lstat(logPath); err == nil && (fi.Mode()&os.ModeSymlink) != 0 {
			fmt.Fprintf(os.Stderr, "warning: refusing to write logs to symlink path %s\n", logPath)
		} else {
			f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err == nil {
				output = f
				closeFn = func() { _ = f.Close() }
			} else {
				fmt.Fprintf(os.Stderr, "warning: failed to open log file %s: %v\n", logPath, err)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return closeFn
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolveLogPath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "sitterd", "sitterd.log")
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "sitterd", "sitterd.log")
	}

	return "sitterd.log"
}
