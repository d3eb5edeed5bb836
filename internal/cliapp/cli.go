package cliapp

import (
	"github.com/spf13/cobra"
)

const versionString = "0.3.0"

type cliOptions struct {
	configPath   string
	socketPath   string
	grammarsPath string
	queriesPath  string
	verbose      bool
}

func newRootCommand(opts *cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "sitterd",
		Short:         "Tree-sitter parsing daemon for text editors",
		Long:          "sitterd keeps an incrementally updated syntax tree per editor buffer and answers highlight, text-object and navigation queries over a Unix socket.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to sitterd.toml (default: $XDG_CONFIG_HOME/sitterd/sitterd.toml)")
	root.PersistentFlags().StringVar(&opts.grammarsPath, "grammars", "", "directory with dynamic grammars and manifest.toml")
	root.PersistentFlags().StringVar(&opts.queriesPath, "queries", "", "directory with per-language query overrides")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon on the control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVar(&opts.socketPath, "socket", "", "control socket path (default: $XDG_RUNTIME_DIR/sitterd/sitterd.sock)")

	verify := &cobra.Command{
		Use:   "verify-grammars",
		Short: "Check dynamic grammar artifacts against their manifest hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerifyGrammars(cmd, opts)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("sitterd v%s\n", versionString)
		},
	}

	root.AddCommand(serve, verify, version)
	return root
}
