// Package config loads ClosedCSPM settings from an optional YAML file,
// CLOSEDCSPM_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PiotrMackowski/ClosedCSPM/internal/evidence"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// EnvPrefix is prepended to environment variable names.
const EnvPrefix = "CLOSEDCSPM"

// Phase kinds.
const (
	PhaseControls = "controls"
	PhaseFindings = "findings"
)

// Config is the validated configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Scope        string             `mapstructure:"scope"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Scanner      ScannerConfig      `mapstructure:"scanner"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Phases       []PhaseConfig      `mapstructure:"phases"`
	Rules        RulesConfig        `mapstructure:"rules"`
	Evidence     EvidenceConfig     `mapstructure:"evidence"`
	Server       ServerConfig       `mapstructure:"server"`

	v *viper.Viper
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProviderConfig names the resource provider. Provider specific settings
// live below provider.<name>.
type ProviderConfig struct {
	Name string `mapstructure:"name"`
}

// CatalogConfig configures the control catalog cache.
type CatalogConfig struct {
	URL            string        `mapstructure:"url"`
	FallbackPath   string        `mapstructure:"fallback_path"`
	AbsoluteTTL    time.Duration `mapstructure:"absolute_ttl"`
	SlidingTTL     time.Duration `mapstructure:"sliding_ttl"`
	FallbackTTL    time.Duration `mapstructure:"fallback_ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	OAuth          OAuthConfig   `mapstructure:"oauth"`
}

// OAuthConfig holds client credentials for a private catalog mirror.
type OAuthConfig struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Enabled reports whether client credentials are configured.
func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// ScannerConfig tunes the control dispatcher.
type ScannerConfig struct {
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	Parallelism     int           `mapstructure:"parallelism"`
	PrivilegedRoles []string      `mapstructure:"privileged_roles"`
	MaxPrivileged   int           `mapstructure:"max_privileged"`
}

// OrchestratorConfig tunes phase execution.
type OrchestratorConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// PhaseConfig declares one assessment phase. A controls phase lists
// families and/or control ids; a findings phase reads a finding file.
type PhaseConfig struct {
	Name        string   `mapstructure:"name"`
	Kind        string   `mapstructure:"kind"`
	Families    []string `mapstructure:"families"`
	Controls    []string `mapstructure:"controls"`
	Path        string   `mapstructure:"path"`
	FindingType string   `mapstructure:"finding_type"`
}

// RulesConfig points at override directories for rules and runbooks.
type RulesConfig struct {
	Dir         string `mapstructure:"dir"`
	RunbooksDir string `mapstructure:"runbooks_dir"`
	Watch       bool   `mapstructure:"watch"`
}

// EvidenceConfig selects and configures the evidence backend.
type EvidenceConfig struct {
	Backend    string                   `mapstructure:"backend"`
	Dir        string                   `mapstructure:"dir"`
	Table      string                   `mapstructure:"table"`
	SigningKey string                   `mapstructure:"signing_key"`
	S3         S3Config                 `mapstructure:"s3"`
	Postgres   PostgresConfig           `mapstructure:"postgres"`
	Snowflake  evidence.SnowflakeConfig `mapstructure:"snowflake"`
}

// S3Config locates the evidence bucket.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// PostgresConfig holds the Postgres connection string.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("provider.name", "azure")
	// Registered so that environment variables reach the provider settings.
	for _, key := range []string{
		"provider.azure.subscription_id",
		"provider.azure.tenant_id",
		"provider.azure.profile",
		"provider.azure.config_path",
		"provider.azure.rate_limit",
		"provider.gcp.project_id",
		"provider.gcp.rate_limit",
		"provider.snapshot.path",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("catalog.url", "https://raw.githubusercontent.com/usnistgov/oscal-content/main/nist.gov/SP800-53/rev5/json/NIST_SP-800-53_rev5_catalog.json")
	v.SetDefault("catalog.absolute_ttl", 24*time.Hour)
	v.SetDefault("catalog.sliding_ttl", 4*time.Hour)
	v.SetDefault("catalog.fallback_ttl", 5*time.Minute)
	v.SetDefault("catalog.max_attempts", 3)
	v.SetDefault("catalog.attempt_timeout", 30*time.Second)
	v.SetDefault("catalog.rate_limit", 2.0)
	v.SetDefault("scanner.call_timeout", 30*time.Second)
	v.SetDefault("scanner.retry_attempts", 3)
	v.SetDefault("scanner.parallelism", 4)
	v.SetDefault("scanner.max_privileged", 3)
	v.SetDefault("orchestrator.concurrency", 1)
	v.SetDefault("evidence.backend", "none")
	v.SetDefault("evidence.dir", "evidence")
	v.SetDefault("evidence.table", evidence.DefaultTable)
	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional), the environment and flags into a Config.
// Without a path, ./closedcspm.yaml is read when present. Flags are bound
// through flagKeys or by name with dashes turned into underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("closedcspm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}
	return FromViper(v)
}

// flagKeys maps flag names onto config keys where they differ.
var flagKeys = map[string]string{
	"provider":       "provider.name",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"catalog-url":    "catalog.url",
	"catalog-file":   "catalog.fallback_path",
	"concurrency":    "orchestrator.concurrency",
	"parallelism":    "scanner.parallelism",
	"call-timeout":   "scanner.call_timeout",
	"rules-dir":      "rules.dir",
	"runbooks-dir":   "rules.runbooks_dir",
	"evidence":       "evidence.backend",
	"evidence-dir":   "evidence.dir",
	"addr":           "server.addr",
	"snapshot":       "provider.snapshot.path",
	"subscription":   "provider.azure.subscription_id",
	"project":        "provider.gcp.project_id",
	"azure-profile":  "provider.azure.profile",
	"s3-bucket":      "evidence.s3.bucket",
	"watch-runbooks": "rules.watch",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("binding flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.v = v
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Scope != "" {
		if _, err := provider.ParseScope(c.Scope); err != nil {
			errs = append(errs, fmt.Errorf("scope: %w", err))
		}
	}
	if c.Orchestrator.Concurrency < 1 {
		errs = append(errs, errors.New("orchestrator.concurrency must be at least 1"))
	}
	if c.Scanner.Parallelism < 1 {
		errs = append(errs, errors.New("scanner.parallelism must be at least 1"))
	}
	if c.Catalog.MaxAttempts < 1 {
		errs = append(errs, errors.New("catalog.max_attempts must be at least 1"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Phases {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("phases[%d]: name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("phases[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case PhaseControls, "":
			if len(p.Families) == 0 && len(p.Controls) == 0 {
				errs = append(errs, fmt.Errorf("phases[%d] (%s): families or controls are required", i, p.Name))
			}
		case PhaseFindings:
			if p.Path == "" {
				errs = append(errs, fmt.Errorf("phases[%d] (%s): path is required", i, p.Name))
			}
			if _, ok := finding.ParseType(p.FindingType); p.FindingType != "" && !ok {
				errs = append(errs, fmt.Errorf("phases[%d] (%s): unknown finding_type %q", i, p.Name, p.FindingType))
			}
		default:
			errs = append(errs, fmt.Errorf("phases[%d] (%s): unknown kind %q", i, p.Name, p.Kind))
		}
	}

	switch c.Evidence.Backend {
	case "", "none", "file":
	case "s3":
		if c.Evidence.S3.Bucket == "" {
			errs = append(errs, errors.New("evidence.s3.bucket is required"))
		}
	case string(evidence.DialectPostgres):
		if c.Evidence.Postgres.DSN == "" {
			errs = append(errs, errors.New("evidence.postgres.dsn is required"))
		}
	case string(evidence.DialectSnowflake):
		if c.Evidence.Snowflake.Account == "" || c.Evidence.Snowflake.User == "" {
			errs = append(errs, errors.New("evidence.snowflake.account and user are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown evidence backend %q", c.Evidence.Backend))
	}
	return errors.Join(errs...)
}

// ParsedScope returns the configured scope.
func (c *Config) ParsedScope() (provider.Scope, error) {
	return provider.ParseScope(c.Scope)
}

// ProviderSettings returns the provider.<name> subtree for the provider
// factory, with flags and environment variables applied. It is never nil.
func (c *Config) ProviderSettings() *viper.Viper {
	out := viper.New()
	if c.v == nil {
		return out
	}
	prefix := "provider." + strings.ToLower(c.Provider.Name) + "."
	for _, key := range c.v.AllKeys() {
		if strings.HasPrefix(key, prefix) {
			out.Set(strings.TrimPrefix(key, prefix), c.v.Get(key))
		}
	}
	return out
}

// DefaultPhases declares one controls phase per family when no phases
// are configured.
func DefaultPhases(families []string) []PhaseConfig {
	out := make([]PhaseConfig, 0, len(families))
	for _, f := range families {
		out = append(out, PhaseConfig{Name: strings.ToLower(f), Kind: PhaseControls, Families: []string{f}})
	}
	return out
}

// FindingTypeOf returns the configured default finding type of a findings
// phase.
func (p PhaseConfig) FindingTypeOf() finding.Type {
	if t, ok := finding.ParseType(p.FindingType); ok {
		return t
	}
	return finding.TypeOther
}
