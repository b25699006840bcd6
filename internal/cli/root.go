package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"swcache/internal/app"
)

func Execute() error {
	return ExecuteContext(context.Background(), "dev")
}

func ExecuteContext(ctx context.Context, version string) error {
	cmd := newRootCmd()
	cmd.Version = version
	return cmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	opts := app.DefaultOptions()

	serve := func(cmd *cobra.Command, args []string) error {
		return app.Run(cmd.Context(), resolve(cmd, opts))
	}

	cmd := &cobra.Command{
		Use:           "swcache",
		Short:         "Offline cache-and-sync worker in front of the marketplace origin",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "Config file path (default: ~/.config/swcache/config.yaml)")
	pf.StringVarP(&opts.Listen, "listen", "l", opts.Listen, "Address the worker listens on")
	pf.StringVarP(&opts.Origin, "origin", "o", opts.Origin, "Origin the worker fronts")
	pf.StringVarP(&opts.DataDir, "data-dir", "d", app.DefaultDataDirForCLI(), "Directory for cache partitions and the mutation queue")
	pf.StringVar(&opts.Store, "store", opts.Store, "Partition backend: fs|sqlite|redis")
	pf.StringVar(&opts.RedisAddr, "redis-addr", opts.RedisAddr, "Redis address when --store=redis")
	pf.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug|info|warn|error")
	pf.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format: text|json")
	pf.StringVar(&opts.CachePrefix, "cache-prefix", opts.CachePrefix, "Partition name prefix")
	pf.StringVar(&opts.CacheVersion, "cache-version", opts.CacheVersion, "Cache version; changing it purges older partitions on activation")
	pf.DurationVar(&opts.FetchTimeout, "fetch-timeout", opts.FetchTimeout, "Timeout for requests to the origin")
	pf.IntVar(&opts.RefreshWorkers, "refresh-workers", opts.RefreshWorkers, "Maximum concurrent background refreshes")
	cmd.Flags().BoolVar(&opts.PrintEffectiveConfig, "print-config", false, "Print effective configuration with sources and exit")
	cmd.Flags().BoolVar(&opts.WriteConfigExample, "write-config", false, "Write an example config to --config (or stdout with --config -) and exit")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Install, activate and serve the worker (default)",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		newCacheCmd(&opts),
		newSyncCmd(&opts),
		newQueueCmd(&opts),
	)

	return cmd
}

func newCacheCmd(opts *app.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cache partitions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "size",
			Short: "Print entries and bytes per partition",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.CacheSize(cmd.Context(), resolve(cmd, *opts))
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every partition",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.CacheClear(cmd.Context(), resolve(cmd, *opts))
			},
		},
		&cobra.Command{
			Use:   "warm [URL...]",
			Short: "Pre-populate the manifest and optionally cache extra URLs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.CacheWarm(cmd.Context(), resolve(cmd, *opts), args)
			},
		},
	)
	return cmd
}

func newSyncCmd(opts *app.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync TAG",
		Short: "Replay queued writes for a background-sync tag",
		Example: "  swcache sync background-sync-listings\n" +
			"  swcache sync sync-favorites",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Sync(cmd.Context(), resolve(cmd, *opts), strings.TrimSpace(args[0]))
		},
	}
}

func newQueueCmd(opts *app.Options) *cobra.Command {
	var token, endpoint string
	add := &cobra.Command{
		Use:   "add KIND PAYLOAD",
		Short: "Queue a pending write (listing, message, or a custom kind with --endpoint)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.QueueAdd(cmd.Context(), resolve(cmd, *opts), strings.TrimSpace(args[0]), args[1], token, strings.TrimSpace(endpoint))
		},
	}
	add.Flags().StringVarP(&token, "token", "t", "", "Bearer token sent on replay")
	add.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Origin path for custom kinds")

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the offline mutation queue",
	}
	cmd.AddCommand(add)
	return cmd
}

// resolve records which flags the user set so config and env do not
// override them.
func resolve(cmd *cobra.Command, opts app.Options) app.Options {
	set := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		set[f.Name] = true
	})
	opts.FlagSet = set
	opts.Origin = strings.TrimSpace(opts.Origin)
	opts.Listen = strings.TrimSpace(opts.Listen)
	opts.Store = strings.ToLower(strings.TrimSpace(opts.Store))
	return opts
}
