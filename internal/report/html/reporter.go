// Package html generates self-contained HTML assessment reports.
package html

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"sort"
	"time"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

//go:embed templates/*.html
var templateFS embed.FS

// ReportData contains all data passed to the HTML template.
type ReportData struct {
	Title        string
	GeneratedAt  string
	Assessment   *orchestrator.Assessment
	Rating       string
	Summary      finding.Summary
	Phases       []orchestrator.PhaseResult
	Findings     []remediation.Enriched
	SeverityList []finding.Severity
}

// Reporter generates HTML reports.
type Reporter struct{}

// Generate writes an HTML report of a to w.
func (r *Reporter) Generate(w io.Writer, a *orchestrator.Assessment) error {
	if a == nil {
		return fmt.Errorf("rendering HTML report: no assessment")
	}
	tmpl, err := template.New("report.html").Funcs(template.FuncMap{
		"severityClass": severityClass,
		"scoreClass":    scoreClass,
		"duration":      func(d time.Duration) string { return d.Round(time.Millisecond).String() },
	}).ParseFS(templateFS, "templates/report.html")
	if err != nil {
		return fmt.Errorf("parsing report template: %w", err)
	}

	// Sort a copy by severity (critical first), keeping phase order within a severity.
	findings := append([]remediation.Enriched(nil), a.AllFindings...)
	sort.SliceStable(findings, func(i, j int) bool {
		return finding.SeverityOrder(findings[i].Severity) < finding.SeverityOrder(findings[j].Severity)
	})

	phases := make([]orchestrator.PhaseResult, 0, len(a.PhaseOrder))
	for _, domain := range a.PhaseOrder {
		phases = append(phases, a.Phases[domain])
	}

	data := ReportData{
		Title:        "ClosedCSPM Compliance Assessment",
		GeneratedAt:  time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
		Assessment:   a,
		Rating:       orchestrator.Rating(a.OverallScore),
		Summary:      finding.NewSummary(a.Findings()),
		Phases:       phases,
		Findings:     findings,
		SeverityList: finding.Severities,
	}

	return tmpl.Execute(w, data)
}

func severityClass(s finding.Severity) string {
	switch s {
	case finding.Critical:
		return "critical"
	case finding.High:
		return "high"
	case finding.Medium:
		return "medium"
	case finding.Low:
		return "low"
	case finding.Informational:
		return "info"
	default:
		return "unknown"
	}
}

func scoreClass(score float64) string {
	switch orchestrator.Rating(score) {
	case "Excellent":
		return "score-a"
	case "Good":
		return "score-b"
	case "Fair":
		return "score-c"
	default:
		return "score-f"
	}
}
