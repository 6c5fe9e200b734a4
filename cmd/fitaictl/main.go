// fitaictl runs operational tasks against the FitAI database.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/velH4ard/FitAIcomp/app/audit"
	"github.com/velH4ard/FitAIcomp/app/billing"
	"github.com/velH4ard/FitAIcomp/app/config"
	"github.com/velH4ard/FitAIcomp/app/ledger"
	"github.com/velH4ard/FitAIcomp/app/logging"
	"github.com/velH4ard/FitAIcomp/app/notify"
	"github.com/velH4ard/FitAIcomp/app/store"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fitaictl",
		Short:         "Operational tasks for the FitAI API database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("db-driver", "", "override DB_DRIVER (postgres or sqlite)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(blockCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func open(cmd *cobra.Command) (*config.Config, *store.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logging.Init(logging.Config{Style: "console", Level: cfg.Logs.Level, Component: "fitaictl"})
	if driver, _ := cmd.Flags().GetString("db-driver"); driver != "" {
		cfg.DB.Driver = driver
	}
	s, err := store.Open(cmd.Context(), cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply retention to idempotency keys and webhook markers",
		Long: `Prune applies the configured retention windows:

  - processing keys older than LEDGER_STALE_AFTER are marked failed
  - completed and failed keys older than LEDGER_RETENTION are deleted
  - processed webhook markers older than WEBHOOK_RETENTION are deleted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return prune(cmd.Context(), s, cfg.Retention, time.Now().UTC())
		},
	}
}

func prune(ctx context.Context, s *store.Store, r config.RetentionConfig, now time.Time) error {
	l := ledger.New(s)
	stale, err := l.ExpireStale(ctx, now.Add(-r.LedgerStale))
	if err != nil {
		return err
	}
	keys, err := l.Prune(ctx, now.Add(-r.Ledger))
	if err != nil {
		return err
	}
	markers, err := billing.NewProcessor(s, audit.New(s), notify.Nop{}, 0).PruneProcessed(ctx, now.Add(-r.Webhook))
	if err != nil {
		return err
	}
	log.Info().
		Int64("stale_failed", stale).
		Int64("keys_deleted", keys).
		Int64("webhook_markers_deleted", markers).
		Msg("retention applied")
	return nil
}

func blockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block [user-id]",
		Short: "Block a user's subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			actor, _ := cmd.Flags().GetString("actor")
			if err := billing.NewProcessor(s, audit.New(s), notify.Nop{}, 0).Block(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Printf("blocked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("actor", "fitaictl", "actor recorded in the audit event")
	return cmd
}
