package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/config"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/policy"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
	"github.com/PiotrMackowski/ClosedCSPM/policies"
)

func testAssessment() *orchestrator.Assessment {
	findings := []finding.Finding{
		finding.New("Storage account allows non-HTTPS traffic", finding.High, finding.NonCompliant,
			finding.WithID("TEST-001"),
			finding.WithType(finding.TypeEncryption),
			finding.WithResource("/subs/s/storageAccounts/logs", "Microsoft.Storage/storageAccounts"),
			finding.WithControls("SC-8"),
		),
	}
	enriched := remediation.NewEnricher(nil, nil, nil).Enrich(findings)
	return &orchestrator.Assessment{
		ID:     "A-TEST",
		Scope:  provider.Scope{Kind: provider.ScopeSubscription, ID: "sub-1"},
		Status: orchestrator.StatusCompleted,
		Phases: map[string]orchestrator.PhaseResult{
			"sc": {Domain: "sc", Score: 0, Findings: enriched, Total: 1, Status: orchestrator.StatusCompleted},
		},
		PhaseOrder:     []string{"sc"},
		AllFindings:    enriched,
		SeverityCounts: finding.CountBySeverity(findings),
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromViper(config.New())
	if err != nil {
		t.Fatalf("FromViper() error: %v", err)
	}
	return cfg
}

// --- writeReport tests ---

func TestWriteReportHTML(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.html")
	if err := writeReport(testAssessment(), out, "html"); err != nil {
		t.Fatalf("writeReport(html) error: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(data), "<!DOCTYPE html>") {
		t.Error("HTML report should contain DOCTYPE")
	}
}

func TestWriteReportJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.json")
	if err := writeReport(testAssessment(), out, "json"); err != nil {
		t.Fatalf("writeReport(json) error: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(data), "TEST-001") {
		t.Error("JSON report should contain finding ID")
	}
}

func TestWriteReportCSV(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.csv")
	if err := writeReport(testAssessment(), out, "csv"); err != nil {
		t.Fatalf("writeReport(csv) error: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (header + 1 row), got %d", len(lines))
	}
	if !strings.Contains(lines[0], "AutoRemediable") {
		t.Error("CSV header should contain AutoRemediable")
	}
	if !strings.Contains(lines[1], "storageAccounts/logs") {
		t.Error("CSV row should contain the resource id")
	}
}

func TestWriteReportUnsupportedFormat(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.txt")
	err := writeReport(testAssessment(), out, "xml")
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if !strings.Contains(err.Error(), "unsupported output format") {
		t.Errorf("error should mention unsupported format, got: %v", err)
	}
}

func TestWriteReportInvalidPath(t *testing.T) {
	err := writeReport(testAssessment(), "/nonexistent/dir/report.json", "json")
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

// --- loadAssessment tests ---

func TestLoadAssessmentRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "assessment.json")
	if err := writeReport(testAssessment(), out, "json"); err != nil {
		t.Fatalf("writeReport(json) error: %v", err)
	}

	a, err := loadAssessment(out)
	if err != nil {
		t.Fatalf("loadAssessment() error: %v", err)
	}
	if a.ID != "A-TEST" {
		t.Errorf("ID = %q, want A-TEST", a.ID)
	}
	if _, ok := a.Finding("TEST-001"); !ok {
		t.Error("loaded assessment should contain TEST-001")
	}
}

func TestLoadAssessmentMissingFile(t *testing.T) {
	if _, err := loadAssessment(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// --- loadRules tests ---

func TestLoadRulesEmbedded(t *testing.T) {
	rules, err := loadRules("")
	if err != nil {
		t.Fatalf("loadRules() error: %v", err)
	}
	if len(rules.All()) == 0 {
		t.Error("embedded rules should not be empty")
	}
	if len(rules.Families()) == 0 {
		t.Error("embedded rules should cover at least one family")
	}
}

func TestLoadRulesBadDir(t *testing.T) {
	if _, err := loadRules("/nonexistent/rules"); err == nil {
		t.Fatal("expected error for missing rules dir")
	}
}

// --- phase building tests ---

func TestFamilyControls(t *testing.T) {
	ctx := context.Background()
	rules := policy.NewSet([]policy.Policy{
		{ID: "T-1", Title: "t", Severity: finding.High, Controls: []string{"ZZ-1", "ZZ-2", "AC-2"}},
	})

	cache := catalog.NewCache(catalog.NewStaticSource(policies.BaselineCatalog, catalog.OriginRemote), catalog.DefaultCacheConfig())
	got := familyControls(ctx, "ac", cache, rules)
	if len(got) == 0 || !contains(got, "AC-2") {
		t.Errorf("familyControls(ac) = %v, want catalog AC controls", got)
	}

	// Families the catalog does not know fall back to rule coverage.
	got = familyControls(ctx, "ZZ", cache, rules)
	if strings.Join(got, ",") != "ZZ-1,ZZ-2" {
		t.Errorf("familyControls(ZZ) = %v, want [ZZ-1 ZZ-2]", got)
	}
}

func TestBuildPhases(t *testing.T) {
	ctx := context.Background()
	cache := catalog.NewCache(catalog.NewStaticSource(policies.BaselineCatalog, catalog.OriginRemote), catalog.DefaultCacheConfig())
	decls := []config.PhaseConfig{
		{Name: "access", Kind: config.PhaseControls, Families: []string{"AC"}, Controls: []string{"ac-2"}},
		{Name: "secrets", Kind: config.PhaseFindings, Path: "secrets.json"},
	}

	phases := buildPhases(ctx, decls, nil, cache, policy.NewSet(nil), zap.NewNop())
	if len(phases) != 2 {
		t.Fatalf("buildPhases() = %d phases, want 2", len(phases))
	}
	if phases[0].Domain() != "access" || phases[1].Domain() != "secrets" {
		t.Errorf("domains = %s, %s", phases[0].Domain(), phases[1].Domain())
	}

	cp, ok := phases[0].(*orchestrator.ControlPhase)
	if !ok {
		t.Fatalf("phase 0 is %T, want *ControlPhase", phases[0])
	}
	controls := cp.Controls()
	if controls[0] != "AC-2" {
		t.Errorf("declared controls should come first, got %v", controls)
	}
	seen := make(map[string]bool)
	for _, id := range controls {
		if seen[id] {
			t.Errorf("duplicate control %s", id)
		}
		seen[id] = true
	}
	if _, ok := phases[1].(*orchestrator.ProducerPhase); !ok {
		t.Errorf("phase 1 is %T, want *ProducerPhase", phases[1])
	}
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

// --- evidence backend tests ---

func TestNewEvidenceRecorder(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	cfg := testConfig(t)
	rec, cleanup, err := newEvidenceRecorder(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("none backend error: %v", err)
	}
	cleanup()
	if rec != nil {
		t.Error("none backend should not build a recorder")
	}

	cfg.Evidence.Backend = "file"
	cfg.Evidence.Dir = t.TempDir()
	rec, cleanup, err = newEvidenceRecorder(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("file backend error: %v", err)
	}
	cleanup()
	if rec == nil {
		t.Error("file backend should build a recorder")
	}

	cfg.Evidence.Backend = "floppy"
	if _, _, err := newEvidenceRecorder(ctx, cfg, logger); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// --- command wiring ---

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"assess", "collect", "controls", "checks", "classify", "serve", "mcp"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestChecksListCommand(t *testing.T) {
	root := newRootCmd()
	var out strings.Builder
	root.SetOut(&out)
	root.SetArgs([]string{"checks", "list", "--config", writeEmptyConfig(t)})
	if err := root.Execute(); err != nil {
		t.Fatalf("checks list error: %v", err)
	}
	if !strings.Contains(out.String(), "SEVERITY") || !strings.Contains(out.String(), "Total:") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestControlsGetCommand(t *testing.T) {
	root := newRootCmd()
	var out strings.Builder
	root.SetOut(&out)
	root.SetArgs([]string{"controls", "get", "sc-8", "--config", writeEmptyConfig(t)})
	if err := root.Execute(); err != nil {
		t.Fatalf("controls get error: %v", err)
	}
	if !strings.Contains(out.String(), "SC-8") || !strings.Contains(out.String(), string(catalog.SourceFallback)) {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func writeEmptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "closedcspm.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: error\ncatalog:\n  url: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
