// Package json exports assessments as flat JSON documents and reads them
// back for offline analysis.
package json

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
)

// Report is the top-level JSON report structure. The assessment fields are
// inlined.
type Report struct {
	Title       string          `json:"title"`
	GeneratedAt string          `json:"generated_at"`
	Rating      string          `json:"rating"`
	Summary     finding.Summary `json:"summary"`
	*orchestrator.Assessment
}

// Reporter generates JSON reports.
type Reporter struct{}

// Generate writes a JSON report of a to w.
func (r *Reporter) Generate(w io.Writer, a *orchestrator.Assessment) error {
	if a == nil {
		return fmt.Errorf("encoding JSON report: no assessment")
	}
	report := Report{
		Title:       "ClosedCSPM Compliance Assessment",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Rating:      orchestrator.Rating(a.OverallScore),
		Summary:     finding.NewSummary(a.Findings()),
		Assessment:  a,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON report: %w", err)
	}
	return nil
}

// Read parses a report written by Generate.
func Read(rd io.Reader) (*Report, error) {
	var report Report
	if err := json.NewDecoder(rd).Decode(&report); err != nil {
		return nil, fmt.Errorf("parsing JSON report: %w", err)
	}
	if report.Assessment == nil || report.ID == "" {
		return nil, fmt.Errorf("parsing JSON report: no assessment found")
	}
	return &report, nil
}
