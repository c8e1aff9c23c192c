// Package finding defines the core finding model used throughout ClosedCSPM.
package finding

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a finding.
type Severity string

const (
	Critical      Severity = "Critical"
	High          Severity = "High"
	Medium        Severity = "Medium"
	Low           Severity = "Low"
	Informational Severity = "Informational"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{Critical, High, Medium, Low, Informational}

// SeverityOrder returns a numeric priority for sorting (lower = more severe).
func SeverityOrder(s Severity) int {
	switch s {
	case Critical:
		return 0
	case High:
		return 1
	case Medium:
		return 2
	case Low:
		return 3
	case Informational:
		return 4
	default:
		return 5
	}
}

// AtLeast reports whether s is as severe as or more severe than min.
func (s Severity) AtLeast(min Severity) bool {
	return SeverityOrder(s) <= SeverityOrder(min)
}

// ParseSeverity maps a case-insensitive name onto a Severity.
// "info" is accepted as an alias of Informational.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, true
	case "high":
		return High, true
	case "medium":
		return Medium, true
	case "low":
		return Low, true
	case "informational", "info":
		return Informational, true
	}
	return "", false
}

// Status is the compliance status a finding asserts for its controls.
type Status string

const (
	Compliant            Status = "Compliant"
	NonCompliant         Status = "NonCompliant"
	ManualReviewRequired Status = "ManualReviewRequired"
	NotApplicable        Status = "NotApplicable"
	PartiallyCompliant   Status = "PartiallyCompliant"
)

// NeedsAction reports whether a finding with status s is still open.
func (s Status) NeedsAction() bool {
	return s != Compliant && s != NotApplicable
}

// Type is the kind of condition a finding describes.
type Type string

const (
	TypeEncryption      Type = "Encryption"
	TypeNetworkSecurity Type = "NetworkSecurity"
	TypeConfiguration   Type = "Configuration"
	TypeAccessControl   Type = "AccessControl"
	TypeSecurity        Type = "Security"
	TypeCompliance      Type = "Compliance"
	TypeVulnerability   Type = "Vulnerability"
	TypeSecret          Type = "Secret"
	TypeDependency      Type = "Dependency"
	TypeCodeQuality     Type = "CodeQuality"
	TypeOther           Type = "Other"
)

var types = []Type{
	TypeEncryption, TypeNetworkSecurity, TypeConfiguration, TypeAccessControl,
	TypeSecurity, TypeCompliance, TypeVulnerability, TypeSecret,
	TypeDependency, TypeCodeQuality, TypeOther,
}

// ParseType maps a case-insensitive name onto a Type. Separators are
// ignored, so "access_control" and "Access Control" are AccessControl.
func ParseType(s string) (Type, bool) {
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s))
	for _, t := range types {
		if strings.EqualFold(norm, string(t)) {
			return t, true
		}
	}
	return "", false
}

// Finding represents one detected condition evaluated against one or more controls.
//
// Findings are values: build them with New and derive modified copies with the
// With* methods, never by mutating a shared instance.
type Finding struct {
	// ID is a unique identifier for this finding instance.
	ID string `json:"id"`
	// ResourceID identifies the affected resource, or "Multiple" for grouped findings.
	ResourceID string `json:"resource_id"`
	// ResourceType is the provider resource type (e.g. "Microsoft.Storage/storageAccounts").
	ResourceType string `json:"resource_type"`
	// FindingType classifies the condition.
	FindingType Type `json:"finding_type"`
	// Title is a short description of the finding.
	Title string `json:"title"`
	// Description is a detailed explanation, including what could not be verified and why.
	Description string `json:"description"`
	// Severity is the severity level of the finding.
	Severity Severity `json:"severity"`
	// ComplianceStatus is the status asserted for AffectedControls.
	ComplianceStatus Status `json:"compliance_status"`
	// AffectedControls is the sorted, de-duplicated set of control ids.
	AffectedControls []string `json:"affected_controls"`
	// Recommendation describes how to fix the issue.
	Recommendation string `json:"recommendation"`
	// IsAutoRemediable is set by the remediation classifier.
	IsAutoRemediable bool `json:"is_auto_remediable"`
	// DetectedAt is when the finding was generated.
	DetectedAt time.Time `json:"detected_at"`
	// Metadata carries producer-specific context (rule id, property path, cause).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Option configures a Finding under construction.
type Option func(*Finding)

// WithID overrides the generated id.
func WithID(id string) Option {
	return func(f *Finding) { f.ID = id }
}

// WithResource sets the affected resource.
func WithResource(id, resourceType string) Option {
	return func(f *Finding) {
		f.ResourceID = id
		f.ResourceType = resourceType
	}
}

// WithType sets the finding type.
func WithType(t Type) Option {
	return func(f *Finding) { f.FindingType = t }
}

// WithDescription sets the detailed description.
func WithDescription(d string) Option {
	return func(f *Finding) { f.Description = d }
}

// WithRecommendation sets the remediation recommendation.
func WithRecommendation(r string) Option {
	return func(f *Finding) { f.Recommendation = r }
}

// WithControls adds affected control ids.
func WithControls(ids ...string) Option {
	return func(f *Finding) { f.AffectedControls = append(f.AffectedControls, ids...) }
}

// WithMeta adds a metadata entry.
func WithMeta(key, value string) Option {
	return func(f *Finding) {
		if f.Metadata == nil {
			f.Metadata = make(map[string]string)
		}
		f.Metadata[key] = value
	}
}

// WithDetectedAt overrides the detection time.
func WithDetectedAt(t time.Time) Option {
	return func(f *Finding) { f.DetectedAt = t }
}

// New builds a finding. Control ids are normalized to upper case, sorted and
// de-duplicated; the finding type defaults to Other.
func New(title string, severity Severity, status Status, opts ...Option) Finding {
	f := Finding{
		ID:               uuid.NewString(),
		Title:            title,
		Severity:         severity,
		ComplianceStatus: status,
		FindingType:      TypeOther,
		DetectedAt:       time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&f)
	}
	f.AffectedControls = NormalizeControls(f.AffectedControls)
	return f
}

// NormalizeControls upper-cases, de-duplicates and sorts control ids.
func NormalizeControls(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of f.
func (f Finding) Clone() Finding {
	c := f
	if f.AffectedControls != nil {
		c.AffectedControls = append(make([]string, 0, len(f.AffectedControls)), f.AffectedControls...)
	}
	if f.Metadata != nil {
		c.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// WithAutoRemediable returns a copy of f with IsAutoRemediable set.
func (f Finding) WithAutoRemediable(v bool) Finding {
	c := f.Clone()
	c.IsAutoRemediable = v
	return c
}

// WithMetadata returns a copy of f with the metadata entry added.
func (f Finding) WithMetadata(key, value string) Finding {
	c := f.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	return c
}

// Meta returns a metadata value or "".
func (f Finding) Meta(key string) string {
	return f.Metadata[key]
}

// SortBySeverity sorts findings most severe first, keeping input order among equals.
func SortBySeverity(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return SeverityOrder(findings[i].Severity) < SeverityOrder(findings[j].Severity)
	})
}

// SeverityCounts tallies findings per severity.
type SeverityCounts map[Severity]int

// CountBySeverity builds SeverityCounts with an entry for every severity.
func CountBySeverity(findings []Finding) SeverityCounts {
	counts := make(SeverityCounts, len(Severities))
	for _, s := range Severities {
		counts[s] = 0
	}
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

// Summary provides aggregate statistics for a set of findings.
type Summary struct {
	Total       int            `json:"total"`
	BySeverity  SeverityCounts `json:"by_severity"`
	ByStatus    map[Status]int `json:"by_status"`
	ByType      map[Type]int   `json:"by_type"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// NewSummary creates a Summary from a slice of findings.
func NewSummary(findings []Finding) Summary {
	s := Summary{
		Total:       len(findings),
		BySeverity:  CountBySeverity(findings),
		ByStatus:    make(map[Status]int),
		ByType:      make(map[Type]int),
		GeneratedAt: time.Now().UTC(),
	}

	for _, f := range findings {
		s.ByStatus[f.ComplianceStatus]++
		s.ByType[f.FindingType]++
	}

	return s
}
