package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/producer"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <findings-file>",
		Short: "Classify findings from a JSON or YAML file for remediation",
		Long: `Reads normalized findings (as written by code, secret or dependency scanners)
and prints whether each is auto-remediable, its complexity and its actions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			findingType, _ := cmd.Flags().GetString("type")

			lib, err := newAdvisory(cfg, logger)
			if err != nil {
				return err
			}
			defaultType := finding.TypeOther
			if findingType != "" {
				var ok bool
				if defaultType, ok = finding.ParseType(findingType); !ok {
					return fmt.Errorf("unknown finding type %q", findingType)
				}
			}
			domain := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			findings, err := producer.NewFileProducer(domain, args[0], defaultType).Produce(cmd.Context())
			if err != nil {
				return err
			}
			enriched := remediation.NewEnricher(remediation.NewClassifier(), lib, logger).Enrich(findings)

			w := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(w)
				encoder.SetIndent("", "  ")
				return encoder.Encode(enriched)
			}

			fmt.Fprintf(w, "%-14s %-6s %-10s %-10s %s\n", "SEVERITY", "AUTO", "COMPLEXITY", "ESTIMATE", "TITLE")
			fmt.Fprintln(w, "------------------------------------------------------------------------------------")
			auto := 0
			for _, e := range enriched {
				if e.IsAutoRemediable {
					auto++
				}
				fmt.Fprintf(w, "%-14s %-6t %-10s %-10s %s\n", e.Severity, e.IsAutoRemediable,
					e.Remediation.Complexity, e.Remediation.EstimatedDuration, e.Title)
			}
			fmt.Fprintf(w, "\nTotal: %d findings, %d auto-remediable\n", len(enriched), auto)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print enriched findings as JSON")
	cmd.Flags().String("type", "", "Finding type of records without one (default Other)")
	cmd.Flags().String("runbooks-dir", "", "Directory of runbook overrides")

	return cmd
}
