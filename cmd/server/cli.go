package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/discovery"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/client"
	"github.com/spf13/cobra"
)

const defaultMigrationsDir = "migrations"

// newRootCmd builds the command tree:
//
//	jobqueue [serve]   run the queue server (default)
//	jobqueue migrate   apply database migrations and exit
//	jobqueue peers     list servers advertised in Redis
//	jobqueue stats     print job counts from a running server
func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Job queue server for remote runners",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (overrides QUEUE_CONFIG_FILE)")
	flags.StringVar(&opts.persistPath, "persist", "", "snapshot file for the memory store (overrides STORE_PERSIST_PATH)")
	flags.StringVar(&opts.migrationsDir, "migrations", defaultMigrationsDir, "directory holding SQL migrations")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the queue server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), opts)
			},
		},
		buildMigrateCommand(&opts),
		buildPeersCommand(&opts),
		buildStatsCommand(),
	)

	return rootCmd
}

func buildMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.URL == "" {
				return errors.New("DATABASE_URL is required to run migrations")
			}
			if err := store.RunMigrations(cfg.Database.URL, opts.migrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func buildPeersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List queue servers registered in Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Redis.URL == "" {
				return errors.New("REDIS_URL is required to list peers")
			}

			c, err := cache.NewRedisCache(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("create redis cache: %w", err)
			}
			defer c.Close()

			endpoints, err := discovery.Discover(cmd.Context(), c, cfg.Discovery.Namespace)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tADDR\tSTARTED")
			for _, ep := range endpoints {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ep.Instance, ep.Addr(), ep.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func buildStatsCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-status job counts from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.NewHTTPClient(addr, timeout)
			counts, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, key := range []string{"pending", "active", "completed", "failed", "total"} {
				fmt.Fprintf(tw, "%s\t%d\n", key, counts[key])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:1717", "queue server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
