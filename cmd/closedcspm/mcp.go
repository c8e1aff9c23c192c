package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/mcpserver"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start an MCP server for AI-assisted compliance analysis",
		Long: `Starts a Model Context Protocol server on stdio. With --assessment the
findings of a previous assess run are exposed; the catalog and classifier
tools are always available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			assessmentPath, _ := cmd.Flags().GetString("assessment")

			data := &mcpserver.Data{}
			if assessmentPath != "" {
				a, err := loadAssessment(assessmentPath)
				if err != nil {
					return err
				}
				data.Assessment = a
				logger.Info("loaded assessment",
					zap.String("id", a.ID),
					zap.Int("findings", len(a.AllFindings)),
					zap.Float64("score", a.OverallScore),
				)
			}
			if data.Catalog, err = newCatalogCache(cfg, logger); err != nil {
				return err
			}
			lib, err := newAdvisory(cfg, logger)
			if err != nil {
				return err
			}
			data.Enricher = remediation.NewEnricher(remediation.NewClassifier(), lib, logger)

			logger.Info("starting MCP server on stdio")
			return server.ServeStdio(mcpserver.NewMCPServer(data))
		},
	}
	cmd.Flags().String("assessment", "", "Assessment JSON written by assess --format json")
	cmd.Flags().String("catalog-url", "", "Control catalog URL (OSCAL JSON)")
	cmd.Flags().String("catalog-file", "", "Fallback control catalog file")
	cmd.Flags().String("runbooks-dir", "", "Directory of runbook overrides")

	return cmd
}
