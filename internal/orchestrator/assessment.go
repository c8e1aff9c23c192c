package orchestrator

import (
	"fmt"
	"math"
	"time"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

// Status is the state of a phase or of a whole assessment.
type Status string

const (
	StatusCompleted    Status = "Completed"
	StatusNotAvailable Status = "Not Available"
	StatusCanceled     Status = "Canceled"
)

// PhaseResult is the outcome of one phase as recorded on the assessment.
type PhaseResult struct {
	Domain   string                 `json:"domain"`
	Score    float64                `json:"score"`
	Findings []remediation.Enriched `json:"findings"`
	Passed   int                    `json:"passed"`
	Total    int                    `json:"total"`
	Status   Status                 `json:"status"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration_ns"`
}

// RiskProfile summarizes the risk of an assessment.
type RiskProfile struct {
	RiskLevel finding.Severity `json:"risk_level"`
	TopRisks  []finding.Type   `json:"top_risks"`
	RiskScore float64          `json:"risk_score"`
}

// Assessment is the result of an orchestrator run. It is built once and
// not modified afterwards.
type Assessment struct {
	ID               string                 `json:"id"`
	Scope            provider.Scope         `json:"scope"`
	Status           Status                 `json:"status"`
	Phases           map[string]PhaseResult `json:"phases"`
	PhaseOrder       []string               `json:"phase_order"`
	AllFindings      []remediation.Enriched `json:"all_findings"`
	SeverityCounts   finding.SeverityCounts `json:"severity_counts"`
	OverallScore     float64                `json:"overall_score"`
	RiskProfile      RiskProfile            `json:"risk_profile"`
	ExecutiveSummary string                 `json:"executive_summary"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          time.Time              `json:"ended_at"`
	EvidenceURI      string                 `json:"evidence_uri,omitempty"`
}

// Findings returns the plain findings of the assessment.
func (a *Assessment) Findings() []finding.Finding {
	out := make([]finding.Finding, len(a.AllFindings))
	for i, e := range a.AllFindings {
		out[i] = e.Finding
	}
	return out
}

// Finding returns the enriched finding with the given id.
func (a *Assessment) Finding(id string) (remediation.Enriched, bool) {
	for _, e := range a.AllFindings {
		if e.ID == id {
			return e, true
		}
	}
	return remediation.Enriched{}, false
}

// Risk thresholds.
const (
	highRiskCount   = 5
	mediumRiskCount = 10
	maxTopRisks     = 5
)

// OverallScore is the unweighted mean of the phase scores, clamped to
// [0,100]. It is 0 when there are no phases.
func OverallScore(phases []PhaseResult) float64 {
	if len(phases) == 0 {
		return 0
	}
	var sum float64
	for _, p := range phases {
		sum += p.Score
	}
	return clamp(sum/float64(len(phases)), 0, 100)
}

// NewRiskProfile derives the risk profile from the open findings and the
// overall score. Compliant and NotApplicable findings carry no risk.
func NewRiskProfile(findings []finding.Finding, overall float64) RiskProfile {
	open := make([]finding.Finding, 0, len(findings))
	for _, f := range findings {
		if f.ComplianceStatus.NeedsAction() {
			open = append(open, f)
		}
	}
	findings = open
	counts := finding.CountBySeverity(findings)
	level := finding.Low
	switch {
	case counts[finding.Critical] > 0:
		level = finding.Critical
	case counts[finding.High] > highRiskCount:
		level = finding.High
	case counts[finding.Medium] > mediumRiskCount:
		level = finding.Medium
	}
	return RiskProfile{
		RiskLevel: level,
		TopRisks:  topRisks(findings),
		RiskScore: clamp(10-overall/10, 0, 10),
	}
}

// topRisks lists distinct finding types at High or above, most severe
// first, then by first appearance.
func topRisks(findings []finding.Finding) []finding.Type {
	out := []finding.Type{}
	seen := make(map[finding.Type]bool)
	for _, sev := range []finding.Severity{finding.Critical, finding.High} {
		for _, f := range findings {
			if f.Severity != sev || seen[f.FindingType] {
				continue
			}
			seen[f.FindingType] = true
			out = append(out, f.FindingType)
			if len(out) == maxTopRisks {
				return out
			}
		}
	}
	return out
}

// Rating buckets an overall score.
func Rating(score float64) string {
	switch {
	case score >= 90:
		return "Excellent"
	case score >= 80:
		return "Good"
	case score >= 70:
		return "Fair"
	default:
		return "Needs Improvement"
	}
}

// ExecutiveSummary renders the one-paragraph summary of an assessment.
func ExecutiveSummary(score float64, counts finding.SeverityCounts, total int) string {
	return fmt.Sprintf(
		"Security posture is %s with an overall score of %.1f/100. The assessment produced %d findings, including %d critical and %d high severity.",
		Rating(score), score, total, counts[finding.Critical], counts[finding.High],
	)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return NeutralScore
	}
	return math.Max(lo, math.Min(hi, v))
}
