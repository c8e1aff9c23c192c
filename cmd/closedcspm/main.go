// ClosedCSPM - Open Source Cloud Security Posture Management
//
// Main CLI entrypoint. Provides commands for assessing cloud scopes against
// a control catalog, inspecting the catalog, classifying findings and
// exposing assessments via HTTP and MCP.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/PiotrMackowski/ClosedCSPM/internal/advisory"
	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/config"
	"github.com/PiotrMackowski/ClosedCSPM/internal/evidence"
	"github.com/PiotrMackowski/ClosedCSPM/internal/logging"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/policy"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	csvreport "github.com/PiotrMackowski/ClosedCSPM/internal/report/csv"
	htmlreport "github.com/PiotrMackowski/ClosedCSPM/internal/report/html"
	jsonreport "github.com/PiotrMackowski/ClosedCSPM/internal/report/json"
	"github.com/PiotrMackowski/ClosedCSPM/policies"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "closedcspm",
		Short: "ClosedCSPM - Open Source Cloud Security Posture Management",
		Long: `ClosedCSPM assesses Azure subscriptions and Google Cloud projects against
the NIST SP 800-53 control catalog and classifies every finding for remediation.

Settings are read from closedcspm.yaml (or --config), CLOSEDCSPM_* environment
variables and flags, in increasing order of precedence.

Providers:
` + providerHelp(),
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ./closedcspm.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json")

	rootCmd.AddCommand(
		newAssessCmd(),
		newCollectCmd(),
		newControlsCmd(),
		newChecksCmd(),
		newClassifyCmd(),
		newServeCmd(),
		newMCPCmd(),
	)
	return rootCmd
}

func providerHelp() string {
	var b strings.Builder
	for _, name := range provider.List() {
		fmt.Fprintf(&b, "  %s\n%s\n", name, provider.EnvHelp(name))
	}
	return b.String()
}

// --- Helper Functions ---

// loadConfig reads the configuration with the command's flags applied and
// builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newCatalogCache builds the catalog cache. The fallback is the configured
// file, or the embedded baseline catalog.
func newCatalogCache(cfg *config.Config, logger *zap.Logger) (*catalog.Cache, error) {
	cacheCfg := catalog.DefaultCacheConfig()
	cacheCfg.AbsoluteTTL = cfg.Catalog.AbsoluteTTL
	cacheCfg.SlidingTTL = cfg.Catalog.SlidingTTL
	cacheCfg.FallbackTTL = cfg.Catalog.FallbackTTL
	cacheCfg.MaxAttempts = cfg.Catalog.MaxAttempts
	cacheCfg.AttemptTimeout = cfg.Catalog.AttemptTimeout

	var remote catalog.Source
	if cfg.Catalog.URL != "" {
		opts := []catalog.HTTPOption{catalog.WithRateLimit(cfg.Catalog.RateLimit)}
		if cfg.Catalog.OAuth.Enabled() {
			opts = append(opts, catalog.WithClientCredentials(&clientcredentials.Config{
				ClientID:     cfg.Catalog.OAuth.ClientID,
				ClientSecret: cfg.Catalog.OAuth.ClientSecret,
				TokenURL:     cfg.Catalog.OAuth.TokenURL,
				Scopes:       cfg.Catalog.OAuth.Scopes,
			}))
		}
		src, err := catalog.NewHTTPSource(cfg.Catalog.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("catalog source: %w", err)
		}
		remote = src
	}

	var fallback catalog.Source = catalog.NewStaticSource(policies.BaselineCatalog, catalog.OriginFallback)
	if cfg.Catalog.FallbackPath != "" {
		fallback = catalog.NewFileSource(cfg.Catalog.FallbackPath)
	}

	return catalog.NewCache(remote, cacheCfg,
		catalog.WithFallback(fallback),
		catalog.WithLogger(logger),
	), nil
}

// loadRules loads the property rules from dir, or the embedded rules when
// dir is empty.
func loadRules(dir string) (*policy.Set, error) {
	var (
		rules []policy.Policy
		err   error
	)
	if dir == "" {
		rules, err = policy.LoadFS(policies.Checks, "checks")
	} else {
		rules, err = policy.LoadPolicies(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	return policy.NewSet(rules), nil
}

// newAdvisory loads the runbook library with the configured override dir.
func newAdvisory(cfg *config.Config, logger *zap.Logger) (*advisory.Library, error) {
	return advisory.New(
		advisory.WithOverrideDir(cfg.Rules.RunbooksDir),
		advisory.WithLogger(logger),
	)
}

// newEvidenceRecorder builds the configured evidence backend. The recorder
// is nil when evidence is disabled; cleanup releases backend resources.
func newEvidenceRecorder(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rec *evidence.Recorder, cleanup func(), err error) {
	cleanup = func() {}
	var backend evidence.Backend

	switch cfg.Evidence.Backend {
	case "", "none":
		return nil, cleanup, nil
	case "file":
		backend = evidence.NewFileStore(cfg.Evidence.Dir)
	case "s3":
		client, err := evidence.NewS3Client(ctx, cfg.Evidence.S3.Region, cfg.Evidence.S3.Endpoint)
		if err != nil {
			return nil, cleanup, err
		}
		backend = evidence.NewS3Store(client, cfg.Evidence.S3.Bucket, cfg.Evidence.S3.Prefix)
	case string(evidence.DialectPostgres), string(evidence.DialectSnowflake):
		dialect := evidence.Dialect(cfg.Evidence.Backend)
		dsn := cfg.Evidence.Postgres.DSN
		if dialect == evidence.DialectSnowflake {
			if dsn, err = cfg.Evidence.Snowflake.DSN(); err != nil {
				return nil, cleanup, err
			}
		}
		db, err := evidence.OpenSQL(dialect, dsn)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() { _ = db.Close() }
		store, err := evidence.NewSQLStore(db, dialect, cfg.Evidence.Table)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		backend = store
	default:
		return nil, cleanup, fmt.Errorf("unknown evidence backend %q", cfg.Evidence.Backend)
	}

	opts := []evidence.Option{evidence.WithLogger(logger)}
	if cfg.Evidence.SigningKey != "" {
		opts = append(opts, evidence.WithSigningKey([]byte(cfg.Evidence.SigningKey)))
	}
	return evidence.NewRecorder(backend, opts...), cleanup, nil
}

// writeReport writes the assessment to output in the given format.
func writeReport(a *orchestrator.Assessment, output, format string) error {
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	switch format {
	case "html":
		reporter := &htmlreport.Reporter{}
		return reporter.Generate(f, a)
	case "json":
		reporter := &jsonreport.Reporter{}
		return reporter.Generate(f, a)
	case "csv":
		reporter := &csvreport.Reporter{}
		return reporter.Generate(f, a)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// loadAssessment reads a JSON report written by assess.
func loadAssessment(path string) (*orchestrator.Assessment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening assessment: %w", err)
	}
	defer f.Close()

	report, err := jsonreport.Read(f)
	if err != nil {
		return nil, err
	}
	return report.Assessment, nil
}
