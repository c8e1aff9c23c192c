package scanner

import (
	"context"
	"fmt"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

// CoverageRuleID is the rule id of findings emitted by DefaultChecker.
const CoverageRuleID = "COVERAGE"

// DefaultChecker handles controls without automated coverage. It always
// asks for manual review.
func DefaultChecker(_ context.Context, req Request) []finding.Finding {
	name := req.Control.ID
	if req.Control.Title != "" {
		name = fmt.Sprintf("%s (%s)", req.Control.ID, req.Control.Title)
	}
	return []finding.Finding{manualReview(req,
		"Insufficient automated coverage for "+req.Control.ID,
		fmt.Sprintf("No automated check gathers evidence for %s in %s. The control must be assessed manually.", name, req.Scope),
		finding.Low,
		finding.WithResource(req.Scope.ID, string(req.Scope.Kind)),
		finding.WithMeta("checker", "default"),
		finding.WithMeta("rule_id", CoverageRuleID),
	)}
}
