package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/api"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control catalog and the classifier over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cache, err := newCatalogCache(cfg, logger)
			if err != nil {
				return err
			}
			lib, err := newAdvisory(cfg, logger)
			if err != nil {
				return err
			}
			if cfg.Rules.Watch {
				go func() {
					if err := lib.Watch(ctx); err != nil {
						logger.Warn("runbook watcher stopped", zap.Error(err))
					}
				}()
			}

			// Warm the cache so /readyz reflects the catalog from the start.
			if res := cache.Catalog(ctx, false); res.Degraded() {
				logger.Warn("control catalog unavailable at startup", zap.Error(res.Err))
			}

			srv := api.NewServer(cache, remediation.NewEnricher(remediation.NewClassifier(), lib, logger), logger)
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default 127.0.0.1:8080)")
	cmd.Flags().String("catalog-url", "", "Control catalog URL (OSCAL JSON)")
	cmd.Flags().String("catalog-file", "", "Fallback control catalog file")
	cmd.Flags().String("runbooks-dir", "", "Directory of runbook overrides")
	cmd.Flags().Bool("watch-runbooks", false, "Reload runbook overrides when they change")

	return cmd
}
