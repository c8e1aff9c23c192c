package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider/snapshot"
)

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect resources and properties of a scope (no evaluation)",
		Long: `Queries the provider for every resource in scope, the properties the rules
need and the role assignments, and saves a snapshot for offline assessment
with --provider snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			output, _ := cmd.Flags().GetString("output")

			p, scope, err := newProvider(cfg, logger)
			if err != nil {
				return err
			}
			rules, err := loadRules(cfg.Rules.Dir)
			if err != nil {
				return err
			}

			logger.Info("starting collection", zap.String("provider", p.Name()), zap.Stringer("scope", scope))
			snap, err := snapshot.Collect(ctx, p, scope, snapshot.CollectOptions{
				Concurrency:  cfg.Scanner.Parallelism,
				SubResources: rules.SubResources(),
				Logger:       logger,
			})
			if err != nil {
				return fmt.Errorf("collection failed: %w", err)
			}

			if err := snap.Save(output); err != nil {
				return err
			}
			logger.Info("snapshot saved", zap.String("path", output), zap.Int("resources", len(snap.Resources)))
			return nil
		},
	}

	addProviderFlags(cmd)
	cmd.Flags().String("output", "snapshot.json", "Output snapshot file path")

	return cmd
}
