package html

import (
	"bytes"
	"strings"
	"testing"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

func testAssessment() *orchestrator.Assessment {
	findings := []finding.Finding{
		finding.New("Low finding", finding.Low, finding.NonCompliant, finding.WithID("F-LOW")),
		finding.New("Storage account allows <script> traffic", finding.Critical, finding.NonCompliant,
			finding.WithID("F-CRIT"),
			finding.WithType(finding.TypeEncryption),
			finding.WithControls("SC-8"),
		),
	}
	enriched := remediation.NewEnricher(nil, nil, nil).Enrich(findings)
	return &orchestrator.Assessment{
		ID:    "A-1",
		Scope: provider.Scope{Kind: provider.ScopeSubscription, ID: "s1"},
		Phases: map[string]orchestrator.PhaseResult{
			"sc": {Domain: "sc", Score: 85, Findings: enriched, Status: orchestrator.StatusCompleted},
			"secrets": {Domain: "secrets", Score: orchestrator.NeutralScore, Status: orchestrator.StatusNotAvailable,
				Error: "scanner unreachable"},
		},
		PhaseOrder:       []string{"sc", "secrets"},
		AllFindings:      enriched,
		OverallScore:     67.5,
		ExecutiveSummary: "Security posture is Needs Improvement",
		Status:           orchestrator.StatusCompleted,
	}
}

func TestReporterGenerate(t *testing.T) {
	var buf bytes.Buffer
	reporter := &Reporter{}
	if err := reporter.Generate(&buf, testAssessment()); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "<!DOCTYPE html>") {
		t.Error("Output does not appear to be HTML")
	}
	for _, want := range []string{
		"ClosedCSPM",
		"subscription:s1",
		"67.5 / 100",
		"Needs Improvement",
		"scanner unreachable",
		`id="search-input"`,
		"position: sticky",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output should contain %q", want)
		}
	}

	// Finding titles are escaped.
	if strings.Contains(output, "allows <script>") {
		t.Error("Finding title was not escaped")
	}

	// Critical finding is listed first.
	if strings.Index(output, "F-CRIT") > strings.Index(output, "F-LOW") {
		t.Error("Critical finding should be listed before the low one")
	}
}

func TestReporterGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	reporter := &Reporter{}
	if err := reporter.Generate(&buf, &orchestrator.Assessment{ID: "A-0"}); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("Output should not be empty even with no findings")
	}
}

func TestReporterGenerateNilAssessment(t *testing.T) {
	var buf bytes.Buffer
	reporter := &Reporter{}
	if err := reporter.Generate(&buf, nil); err == nil {
		t.Fatal("Generate(nil) should fail")
	}
}

func TestSeverityClass(t *testing.T) {
	tests := []struct {
		severity finding.Severity
		want     string
	}{
		{finding.Critical, "critical"},
		{finding.High, "high"},
		{finding.Medium, "medium"},
		{finding.Low, "low"},
		{finding.Informational, "info"},
		{finding.Severity("UNKNOWN"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			got := severityClass(tt.severity)
			if got != tt.want {
				t.Errorf("severityClass(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func TestScoreClass(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "score-a"},
		{85, "score-b"},
		{70, "score-c"},
		{10, "score-f"},
	}

	for _, tt := range tests {
		got := scoreClass(tt.score)
		if got != tt.want {
			t.Errorf("scoreClass(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
