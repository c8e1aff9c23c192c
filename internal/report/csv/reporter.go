// Package csv generates CSV exports of assessment findings.
package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

// Reporter generates CSV reports.
type Reporter struct{}

// columns defines the CSV header row.
var columns = []string{
	"ID", "Phase", "Title", "Severity", "Status", "Type", "Controls",
	"ResourceID", "ResourceType", "AutoRemediable", "Complexity",
	"EstimatedDuration", "Recommendation", "RuleID",
}

// Generate writes one row per finding of a, most severe first. Findings
// of the same severity keep the phase order.
func (r *Reporter) Generate(w io.Writer, a *orchestrator.Assessment) error {
	if a == nil {
		return fmt.Errorf("writing CSV report: no assessment")
	}

	type row struct {
		phase string
		f     remediation.Enriched
	}
	var rows []row
	for _, domain := range a.PhaseOrder {
		for _, f := range a.Phases[domain].Findings {
			rows = append(rows, row{phase: domain, f: f})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return finding.SeverityOrder(rows[i].f.Severity) < finding.SeverityOrder(rows[j].f.Severity)
	})

	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, rw := range rows {
		f := rw.f
		record := []string{
			f.ID,
			rw.phase,
			sanitize(f.Title),
			string(f.Severity),
			string(f.ComplianceStatus),
			string(f.FindingType),
			strings.Join(f.AffectedControls, ";"),
			sanitize(f.ResourceID),
			f.ResourceType,
			strconv.FormatBool(f.IsAutoRemediable),
			string(f.Remediation.Complexity),
			f.Remediation.EstimatedDuration.String(),
			sanitize(f.Recommendation),
			f.Meta("rule_id"),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// sanitize neutralizes cells a spreadsheet would evaluate as a formula.
func sanitize(s string) string {
	if s != "" && strings.ContainsRune("=+-@", rune(s[0])) {
		return "'" + s
	}
	return s
}
