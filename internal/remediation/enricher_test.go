package remediation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiotrMackowski/ClosedCSPM/internal/advisory"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

func TestEnrichDoesNotMutateInput(t *testing.T) {
	in := []finding.Finding{
		finding.New("Storage account allows non-HTTPS traffic", finding.High, finding.NonCompliant,
			finding.WithType(finding.TypeEncryption),
			finding.WithResource("/subs/s/providers/Microsoft.Storage/storageAccounts/logs", "Microsoft.Storage/storageAccounts"),
			finding.WithControls("SC-8"),
			finding.WithMeta("rule_id", "AZ-SC-001")),
		finding.New("Guest holds Owner", finding.High, finding.NonCompliant,
			finding.WithType(finding.TypeAccessControl),
			finding.WithResource("ra-1", "RoleAssignment"),
			finding.WithControls("AC-2")),
	}
	before := []finding.Finding{in[0].Clone(), in[1].Clone()}

	e := NewEnricher(nil, nil, nil)
	out := e.Enrich(in)

	require.Len(t, out, 2)
	assert.Equal(t, before, in)
	assert.True(t, out[0].IsAutoRemediable)
	assert.True(t, out[0].Remediation.IsAutoRemediable)
	assert.False(t, out[1].IsAutoRemediable)
	assert.Equal(t, Complex, out[1].Remediation.Complexity)
	assert.Nil(t, out[0].Runbook, "no runbook source configured")
}

func TestEnrichAttachesRunbooks(t *testing.T) {
	lib, err := advisory.New()
	require.NoError(t, err)
	e := NewEnricher(NewClassifier(), lib, nil)

	failing := finding.New("Storage account allows non-HTTPS traffic", finding.High, finding.NonCompliant,
		finding.WithResource("/x/providers/Microsoft.Storage/storageAccounts/logs", "Microsoft.Storage/storageAccounts"),
		finding.WithMeta("rule_id", "AZ-SC-001"))
	passing := finding.New("Passed: Storage account allows non-HTTPS traffic", finding.Informational, finding.Compliant,
		finding.WithResource("/x/providers/Microsoft.Storage/storageAccounts/logs", "Microsoft.Storage/storageAccounts"),
		finding.WithMeta("rule_id", "AZ-SC-001"))

	out := e.Enrich([]finding.Finding{failing, passing})
	require.NotNil(t, out[0].Runbook)
	assert.Equal(t, "AZ-SC-001", out[0].Runbook.RuleID)
	assert.Contains(t, out[0].Runbook.Text, "logs")
	assert.Nil(t, out[1].Runbook, "compliant findings need no runbook")
}

type stubRunbooks struct{ calls int }

func (s *stubRunbooks) Render(f finding.Finding) (advisory.Runbook, string, bool) {
	s.calls++
	return advisory.Runbook{RuleID: "STUB", Title: "stub"}, "do the thing", true
}

func TestEnrichSkipsNotApplicable(t *testing.T) {
	stub := &stubRunbooks{}
	e := NewEnricher(nil, stub, nil)

	out := e.EnrichOne(finding.New("Nothing to check for SC-8", finding.Informational, finding.NotApplicable))
	assert.Nil(t, out.Runbook)
	assert.Zero(t, stub.calls)

	out = e.EnrichOne(finding.New("Unable to verify: x", finding.Low, finding.ManualReviewRequired))
	require.NotNil(t, out.Runbook)
	assert.Equal(t, "do the thing", out.Runbook.Text)
	assert.Equal(t, 1, stub.calls)
}
