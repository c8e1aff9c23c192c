package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/config"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/policy"
	"github.com/PiotrMackowski/ClosedCSPM/internal/producer"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
	"github.com/PiotrMackowski/ClosedCSPM/internal/scanner"
)

// addProviderFlags registers the flags shared by commands that talk to a
// provider.
func addProviderFlags(cmd *cobra.Command) {
	cmd.Flags().String("provider", "", "Resource provider: "+fmt.Sprint(provider.List()))
	cmd.Flags().String("scope", "", "Scope to assess, e.g. subscription:<id> or project:<id>")
	cmd.Flags().String("subscription", "", "Azure subscription id (or set CLOSEDCSPM_PROVIDER_AZURE_SUBSCRIPTION_ID)")
	cmd.Flags().String("azure-profile", "", "Profile of the Azure credentials file")
	cmd.Flags().String("project", "", "Google Cloud project id (or set CLOSEDCSPM_PROVIDER_GCP_PROJECT_ID)")
	cmd.Flags().String("snapshot", "", "Snapshot file for the snapshot provider")
	cmd.Flags().Int("parallelism", 0, "Max parallel provider queries")
	cmd.Flags().String("rules-dir", "", "Directory of property rule YAML files (default: built-in rules)")
}

// newProvider builds the configured provider and resolves the scope. A
// provider that knows a default scope supplies it when none is set.
func newProvider(cfg *config.Config, logger *zap.Logger) (provider.ResourceProvider, provider.Scope, error) {
	p, err := provider.New(cfg.Provider.Name, cfg.ProviderSettings(), logger)
	if err != nil {
		return nil, provider.Scope{}, err
	}
	if cfg.Scope != "" {
		scope, err := cfg.ParsedScope()
		return p, scope, err
	}
	if d, ok := p.(provider.ScopeDefaulter); ok {
		if scope, ok := d.DefaultScope(); ok {
			logger.Info("using default scope", zap.Stringer("scope", scope))
			return p, scope, nil
		}
	}
	return nil, provider.Scope{}, errors.New("scope is required (--scope or scope in the config file)")
}

// familyControls lists the catalog controls of family, or the controls the
// rules cover when the catalog has none.
func familyControls(ctx context.Context, family string, cache *catalog.Cache, rules *policy.Set) []string {
	var ids []string
	for _, c := range cache.ControlsByFamily(ctx, family) {
		ids = append(ids, c.ID)
	}
	if len(ids) > 0 {
		return ids
	}
	family = catalog.Family(family)
	for _, p := range rules.ForFamily(family) {
		for _, id := range p.Controls {
			if catalog.Family(id) == family {
				ids = append(ids, catalog.NormalizeID(id))
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// buildPhases turns the phase declarations into orchestrator phases.
func buildPhases(ctx context.Context, decls []config.PhaseConfig, d *scanner.Dispatcher, cache *catalog.Cache, rules *policy.Set, logger *zap.Logger) []orchestrator.Phase {
	phases := make([]orchestrator.Phase, 0, len(decls))
	for _, pc := range decls {
		if pc.Kind == config.PhaseFindings {
			phases = append(phases, orchestrator.NewProducerPhase(
				producer.NewFileProducer(pc.Name, pc.Path, pc.FindingTypeOf())))
			continue
		}

		seen := make(map[string]bool)
		var controls []string
		add := func(id string) {
			id = catalog.NormalizeID(id)
			if !seen[id] {
				seen[id] = true
				controls = append(controls, id)
			}
		}
		for _, id := range pc.Controls {
			add(id)
		}
		for _, family := range pc.Families {
			for _, id := range familyControls(ctx, family, cache, rules) {
				add(id)
			}
		}
		if len(controls) == 0 {
			logger.Warn("phase has no controls", zap.String("phase", pc.Name))
		}
		phases = append(phases, orchestrator.NewControlPhase(pc.Name, d, controls...))
	}
	return phases
}

func newAssessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Run a compliance assessment (dispatch controls + producers + report)",
		Long: `Evaluates the configured scope against the control catalog, phase by phase,
classifies every finding for remediation and writes a report.

Without configured phases, one phase per rule-covered control family is run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			families, _ := cmd.Flags().GetStringSlice("family")

			p, scope, err := newProvider(cfg, logger)
			if err != nil {
				return err
			}
			rules, err := loadRules(cfg.Rules.Dir)
			if err != nil {
				return err
			}
			cache, err := newCatalogCache(cfg, logger)
			if err != nil {
				return err
			}
			lib, err := newAdvisory(cfg, logger)
			if err != nil {
				return err
			}

			roles := scanner.DefaultRoleOptions()
			if len(cfg.Scanner.PrivilegedRoles) > 0 {
				roles.PrivilegedRoles = cfg.Scanner.PrivilegedRoles
			}
			roles.MaxPrivileged = cfg.Scanner.MaxPrivileged
			dispatcher := scanner.NewDispatcher(scanner.NewDefaultRegistry(rules, roles), cache, p,
				scanner.WithLogger(logger),
				scanner.WithCallTimeout(cfg.Scanner.CallTimeout),
				scanner.WithRetryAttempts(cfg.Scanner.RetryAttempts),
				scanner.WithParallelism(cfg.Scanner.Parallelism),
			)

			decls := cfg.Phases
			switch {
			case len(families) > 0:
				decls = config.DefaultPhases(families)
			case len(decls) == 0:
				decls = config.DefaultPhases(rules.Families())
			}
			phases := buildPhases(ctx, decls, dispatcher, cache, rules, logger)

			recorder, cleanup, err := newEvidenceRecorder(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("evidence backend: %w", err)
			}
			defer cleanup()

			opts := []orchestrator.Option{
				orchestrator.WithLogger(logger),
				orchestrator.WithConcurrency(cfg.Orchestrator.Concurrency),
				orchestrator.WithEnricher(remediation.NewEnricher(remediation.NewClassifier(), lib, logger)),
				orchestrator.WithProgress(orchestrator.ProgressFunc(func(pr orchestrator.Progress) {
					logger.Info(pr.Message,
						zap.Int("completed", pr.CompletedPhases),
						zap.Int("total", pr.TotalPhases))
				})),
			}
			if recorder != nil {
				opts = append(opts, orchestrator.WithEvidence(recorder))
			}

			logger.Info("starting assessment",
				zap.Stringer("scope", scope),
				zap.String("provider", p.Name()),
				zap.Int("phases", len(phases)))
			a, runErr := orchestrator.New(opts...).Run(ctx, scope, phases)
			if a == nil {
				return runErr
			}

			if err := writeReport(a, output, format); err != nil {
				return err
			}
			logger.Info("report written", zap.String("path", output), zap.String("format", format))

			printSummary(cmd.OutOrStdout(), a)
			return runErr
		},
	}

	addProviderFlags(cmd)
	cmd.Flags().StringSlice("family", nil, "Assess only these control families, one phase each (e.g. AC,SC)")
	cmd.Flags().String("output", "assessment.json", "Output file path")
	cmd.Flags().String("format", "json", "Report format: json, html or csv")
	cmd.Flags().Int("concurrency", 0, "Max phases run in parallel")
	cmd.Flags().Duration("call-timeout", 0, "Timeout of each provider call")
	cmd.Flags().String("catalog-url", "", "Control catalog URL (OSCAL JSON)")
	cmd.Flags().String("catalog-file", "", "Fallback control catalog file")
	cmd.Flags().String("runbooks-dir", "", "Directory of runbook overrides")
	cmd.Flags().String("evidence", "", "Evidence backend: none, file, s3, postgres or snowflake")
	cmd.Flags().String("evidence-dir", "", "Directory of the file evidence backend")
	cmd.Flags().String("s3-bucket", "", "Bucket of the s3 evidence backend")

	return cmd
}

// printSummary prints the score table of an assessment.
func printSummary(w io.Writer, a *orchestrator.Assessment) {
	fmt.Fprintf(w, "\nAssessment %s (%s): %s\n\n", a.ID, a.Scope, a.Status)
	fmt.Fprintf(w, "%-20s %-8s %-10s %s\n", "PHASE", "SCORE", "PASSED", "STATUS")
	fmt.Fprintln(w, "----------------------------------------------------------------")
	for _, domain := range a.PhaseOrder {
		p := a.Phases[domain]
		status := string(p.Status)
		if p.Error != "" {
			status += ": " + p.Error
		}
		fmt.Fprintf(w, "%-20s %-8.1f %-10s %s\n", domain, p.Score, fmt.Sprintf("%d/%d", p.Passed, p.Total), status)
	}
	fmt.Fprintf(w, "\nOverall: %.1f/100 (%s), risk level %s\n", a.OverallScore, orchestrator.Rating(a.OverallScore), a.RiskProfile.RiskLevel)
	fmt.Fprintln(w, a.ExecutiveSummary)
	if a.EvidenceURI != "" {
		fmt.Fprintf(w, "Evidence: %s\n", a.EvidenceURI)
	}
}
