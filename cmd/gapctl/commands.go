package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gapscout/internal/apikey"
	"github.com/kiranshivaraju/gapscout/internal/cache"
	"github.com/kiranshivaraju/gapscout/internal/config"
	"github.com/kiranshivaraju/gapscout/internal/notify"
	"github.com/kiranshivaraju/gapscout/internal/recovery"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gapctl",
		Short:        "Operate a gapscout deployment",
		SilenceUsage: true,
	}
	// main logs the error once
	root.SilenceErrors = true

	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	keys.AddCommand(newKeysCreateCmd())

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newStallCmd())
	root.AddCommand(keys)
	root.AddCommand(newVersionCmd())
	return root
}

// env is what every database-backed command needs.
type env struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	store *store.PostgresStore
}

func (e *env) Close() {
	e.pool.Close()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &env{cfg: cfg, pool: pool, store: store.NewPostgresStore(pool)}, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stuck-job recovery pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			rc, err := cache.NewRedisCache(e.cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("create redis cache: %w", err)
			}
			defer rc.Close()

			sweeper := recovery.New(e.store, rc, notify.LogNotifier{}, nil, recovery.OptionsFromConfig(e.cfg.Recovery))
			report, err := sweeper.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			if report.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "skipped: another sweep holds the lock")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d failed=%d released=%d\n",
				report.Requeued, report.Failed, report.Released)
			return nil
		},
	}
}

func newStallCmd() *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "stall <access-key>",
		Short: "Backdate a job's last update so the next sweep treats it as stuck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if age <= 0 {
				return errors.New("--age must be positive")
			}
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			at := time.Now().Add(-age)
			if err := e.store.ForceUpdatedAt(ctx, args[0], at); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated_at=%s\n", args[0], at.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&age, "age", time.Hour, "how far in the past to set updated_at")
	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var (
		name   string
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, key, err := apikey.Generate(name, scopes)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.CreateAPIKey(ctx, key); err != nil {
				return fmt.Errorf("create api key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", key.ID)
			fmt.Fprintf(out, "scopes: %s\n", strings.Join(key.Scopes, ","))
			fmt.Fprintf(out, "key:    %s\n", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human readable key name")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"submit"}, "comma separated scopes (submit, admin)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(out, "gapctl: version info not available")
				return
			}
			fmt.Fprintf(out, "gapctl: %s\n", info.Main.Version)
			fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Fprintf(out, "commit: %s\n", s.Value)
				}
			}
		},
	}
}
