package finding

import (
	"testing"
	"time"
)

func TestSeverityOrder(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{Critical, 0},
		{High, 1},
		{Medium, 2},
		{Low, 3},
		{Informational, 4},
		{Severity("UNKNOWN"), 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			got := SeverityOrder(tt.severity)
			if got != tt.want {
				t.Errorf("SeverityOrder(%q) = %d, want %d", tt.severity, got, tt.want)
			}
		})
	}
}

func TestSeverityOrderOrdering(t *testing.T) {
	for i := 1; i < len(Severities); i++ {
		if SeverityOrder(Severities[i-1]) >= SeverityOrder(Severities[i]) {
			t.Errorf("%s should be more severe than %s", Severities[i-1], Severities[i])
		}
	}
}

func TestAtLeast(t *testing.T) {
	if !Critical.AtLeast(High) {
		t.Error("Critical should be at least High")
	}
	if !High.AtLeast(High) {
		t.Error("High should be at least High")
	}
	if Medium.AtLeast(High) {
		t.Error("Medium should not be at least High")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in     string
		want   Severity
		wantOK bool
	}{
		{"CRITICAL", Critical, true},
		{" high ", High, true},
		{"info", Informational, true},
		{"Informational", Informational, true},
		{"severe", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseSeverity(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseSeverity(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestStatusNeedsAction(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{Compliant, false},
		{NotApplicable, false},
		{NonCompliant, true},
		{ManualReviewRequired, true},
		{PartiallyCompliant, true},
	}
	for _, tt := range tests {
		if got := tt.status.NeedsAction(); got != tt.want {
			t.Errorf("%s.NeedsAction() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in     string
		want   Type
		wantOK bool
	}{
		{"AccessControl", TypeAccessControl, true},
		{"accesscontrol", TypeAccessControl, true},
		{"access_control", TypeAccessControl, true},
		{" Network Security ", TypeNetworkSecurity, true},
		{"SECRET", TypeSecret, true},
		{"Misconfig", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseType(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseType(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewNormalizesControls(t *testing.T) {
	f := New("TLS below 1.2", High, NonCompliant,
		WithControls("sc-8", "SC-13", "SC-8", " ", "ac-17"),
		WithResource("/subscriptions/s/rg/x", "Microsoft.Web/sites"),
		WithMeta("rule_id", "SC-TLS-001"),
	)

	want := []string{"AC-17", "SC-13", "SC-8"}
	if len(f.AffectedControls) != len(want) {
		t.Fatalf("AffectedControls = %v, want %v", f.AffectedControls, want)
	}
	for i := range want {
		if f.AffectedControls[i] != want[i] {
			t.Errorf("AffectedControls[%d] = %q, want %q", i, f.AffectedControls[i], want[i])
		}
	}
	if f.ID == "" {
		t.Error("ID should be generated")
	}
	if f.FindingType != TypeOther {
		t.Errorf("FindingType = %q, want %q", f.FindingType, TypeOther)
	}
	if f.Meta("rule_id") != "SC-TLS-001" {
		t.Errorf("Meta(rule_id) = %q", f.Meta("rule_id"))
	}
	if f.DetectedAt.IsZero() {
		t.Error("DetectedAt should not be zero")
	}
}

func TestNewWithoutControls(t *testing.T) {
	f := New("x", Low, Compliant)
	if f.AffectedControls == nil {
		t.Error("AffectedControls should be an empty set, not nil")
	}
}

func TestWithCopiesDoNotAlias(t *testing.T) {
	orig := New("x", Low, NonCompliant, WithMeta("a", "1"), WithControls("AC-2"))

	changed := orig.WithMetadata("b", "2").WithAutoRemediable(true)

	if _, ok := orig.Metadata["b"]; ok {
		t.Error("WithMetadata mutated the original")
	}
	if orig.IsAutoRemediable {
		t.Error("WithAutoRemediable mutated the original")
	}
	if changed.Meta("a") != "1" || changed.Meta("b") != "2" || !changed.IsAutoRemediable {
		t.Errorf("unexpected copy: %+v", changed)
	}

	changed.AffectedControls[0] = "ZZ-1"
	if orig.AffectedControls[0] != "AC-2" {
		t.Error("Clone should copy AffectedControls")
	}
}

func TestSortBySeverityStable(t *testing.T) {
	findings := []Finding{
		{ID: "1", Severity: Low},
		{ID: "2", Severity: Critical},
		{ID: "3", Severity: Low},
		{ID: "4", Severity: High},
	}
	SortBySeverity(findings)

	want := []string{"2", "4", "1", "3"}
	for i, id := range want {
		if findings[i].ID != id {
			t.Errorf("findings[%d].ID = %q, want %q", i, findings[i].ID, id)
		}
	}
}

func TestNewSummary(t *testing.T) {
	findings := []Finding{
		{Severity: Critical, FindingType: TypeAccessControl, ComplianceStatus: NonCompliant},
		{Severity: High, FindingType: TypeEncryption, ComplianceStatus: NonCompliant},
		{Severity: High, FindingType: TypeAccessControl, ComplianceStatus: ManualReviewRequired},
		{Severity: Medium, FindingType: TypeConfiguration, ComplianceStatus: NonCompliant},
		{Severity: Low, FindingType: TypeAccessControl, ComplianceStatus: Compliant},
		{Severity: Informational, FindingType: TypeOther, ComplianceStatus: NotApplicable},
	}

	s := NewSummary(findings)

	if s.Total != 6 {
		t.Errorf("Total = %d, want 6", s.Total)
	}

	wantBySeverity := map[Severity]int{
		Critical:      1,
		High:          2,
		Medium:        1,
		Low:           1,
		Informational: 1,
	}
	for sev, want := range wantBySeverity {
		if got := s.BySeverity[sev]; got != want {
			t.Errorf("BySeverity[%s] = %d, want %d", sev, got, want)
		}
	}

	if got := s.ByType[TypeAccessControl]; got != 3 {
		t.Errorf("ByType[AccessControl] = %d, want 3", got)
	}
	if got := s.ByStatus[NonCompliant]; got != 3 {
		t.Errorf("ByStatus[NonCompliant] = %d, want 3", got)
	}

	if s.GeneratedAt.IsZero() {
		t.Error("GeneratedAt should not be zero")
	}
}

func TestCountBySeverityHasAllKeys(t *testing.T) {
	counts := CountBySeverity(nil)
	for _, s := range Severities {
		if v, ok := counts[s]; !ok || v != 0 {
			t.Errorf("counts[%s] = (%d, %v), want (0, true)", s, v, ok)
		}
	}
}

func TestWithDetectedAt(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := New("x", Low, Compliant, WithDetectedAt(at))
	if !f.DetectedAt.Equal(at) {
		t.Errorf("DetectedAt = %v, want %v", f.DetectedAt, at)
	}
}
