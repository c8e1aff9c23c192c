// Package policy defines the property rules that automated checkers evaluate
// against cloud resources.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// ResourceSelector picks the resources a policy applies to.
type ResourceSelector struct {
	// Types are resource types, matched case-insensitively.
	Types []string `yaml:"types"`
	// NamePattern optionally restricts resources by name.
	NamePattern string `yaml:"name_pattern,omitempty"`

	nameRe *regexp.Regexp
}

// Matches reports whether r is selected.
func (s *ResourceSelector) Matches(r provider.ResourceDescriptor) bool {
	typeOK := false
	for _, t := range s.Types {
		if strings.EqualFold(t, r.Type) {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if s.nameRe != nil {
		return s.nameRe.MatchString(r.Name)
	}
	return true
}

// PropertySpec locates the property a policy inspects.
type PropertySpec struct {
	// Path is a dotted path into the properties document.
	Path string `yaml:"path"`
	// SubResource is appended to the resource id to query a child endpoint,
	// e.g. "providers/Microsoft.Insights/diagnosticSettings".
	SubResource string `yaml:"sub_resource,omitempty"`
}

// Target returns the id to query for resourceID.
func (p PropertySpec) Target(resourceID string) string {
	if p.SubResource == "" {
		return resourceID
	}
	return strings.TrimRight(resourceID, "/") + "/" + strings.TrimLeft(p.SubResource, "/")
}

// Policy is a single property rule loaded from YAML.
type Policy struct {
	ID          string           `yaml:"id"`
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	Severity    finding.Severity `yaml:"severity"`
	FindingType finding.Type     `yaml:"finding_type"`
	// Controls are the catalog controls this policy provides evidence for.
	Controls  []string         `yaml:"controls"`
	Resource  ResourceSelector `yaml:"resource"`
	Property  PropertySpec     `yaml:"property"`
	Condition Condition        `yaml:"condition"`
	// AbsenceIsViolation decides the outcome when the queried property or
	// endpoint does not exist (defaults to true).
	AbsenceIsViolation *bool    `yaml:"absence_is_violation,omitempty"`
	Remediation        string   `yaml:"remediation"`
	References         []string `yaml:"references,omitempty"`
	Enabled            *bool    `yaml:"enabled,omitempty"`
}

// IsEnabled returns whether the policy is enabled (defaults to true).
func (p *Policy) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// AbsenceViolates returns whether a missing property is a violation.
func (p *Policy) AbsenceViolates() bool {
	if p.AbsenceIsViolation == nil {
		return true
	}
	return *p.AbsenceIsViolation
}

// Covers reports whether the policy provides evidence for controlID. A
// policy written for a base control also covers its enhancements.
func (p *Policy) Covers(controlID string) bool {
	id := strings.ToUpper(strings.TrimSpace(controlID))
	base := baseControl(id)
	for _, c := range p.Controls {
		if c == id || c == base {
			return true
		}
	}
	return false
}

// Families returns the control families of the policy.
func (p *Policy) Families() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range p.Controls {
		f := strings.ToUpper(c)
		if i := strings.Index(f, "-"); i > 0 {
			f = f[:i]
		}
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// baseControl strips an enhancement suffix: "AC-2.1" and "AC-2(1)" -> "AC-2".
func baseControl(id string) string {
	if i := strings.IndexAny(id, ".("); i > 0 {
		return id[:i]
	}
	return id
}

// normalize validates the policy and fills derived fields.
func (p *Policy) normalize() error {
	if p.ID == "" {
		return errors.New("policy has no ID")
	}
	if p.Title == "" {
		return fmt.Errorf("policy %s has no title", p.ID)
	}
	sev, ok := finding.ParseSeverity(string(p.Severity))
	if !ok {
		return fmt.Errorf("policy %s has invalid severity %q", p.ID, p.Severity)
	}
	p.Severity = sev
	if p.FindingType == "" {
		p.FindingType = finding.TypeConfiguration
	}
	if len(p.Controls) == 0 {
		return fmt.Errorf("policy %s lists no controls", p.ID)
	}
	p.Controls = finding.NormalizeControls(p.Controls)
	if len(p.Resource.Types) == 0 {
		return fmt.Errorf("policy %s selects no resource types", p.ID)
	}
	if p.Resource.NamePattern != "" {
		re, err := regexp.Compile(p.Resource.NamePattern)
		if err != nil {
			return fmt.Errorf("policy %s has invalid name_pattern: %w", p.ID, err)
		}
		p.Resource.nameRe = re
	}
	if p.Property.Path == "" && p.Property.SubResource == "" {
		return fmt.Errorf("policy %s has no property path", p.ID)
	}
	if err := p.Condition.compile(); err != nil {
		return fmt.Errorf("policy %s: %w", p.ID, err)
	}
	return nil
}

// Parse decodes and validates one policy document.
func Parse(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, err
	}
	if err := p.normalize(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicies loads all policy YAML files from a directory tree.
func LoadPolicies(dir string) ([]Policy, error) {
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS loads all policy YAML files below root in fsys.
func LoadFS(fsys fs.FS, root string) ([]Policy, error) {
	var policies []Policy
	seen := make(map[string]string)

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading policy file %s: %w", p, err)
		}

		pol, err := Parse(data)
		if err != nil {
			return fmt.Errorf("parsing policy file %s: %w", p, err)
		}
		if prev, dup := seen[pol.ID]; dup {
			return fmt.Errorf("policy %s defined in both %s and %s", pol.ID, prev, p)
		}
		seen[pol.ID] = p

		policies = append(policies, pol)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading policies from %s: %w", root, err)
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// Set is an indexed, read-only collection of enabled policies.
type Set struct {
	policies []Policy
}

// NewSet keeps the enabled policies.
func NewSet(policies []Policy) *Set {
	s := &Set{}
	for _, p := range policies {
		if p.IsEnabled() {
			s.policies = append(s.policies, p)
		}
	}
	return s
}

// All returns the enabled policies sorted by id.
func (s *Set) All() []Policy {
	return s.policies
}

// ForControl returns the policies covering controlID.
func (s *Set) ForControl(controlID string) []Policy {
	var out []Policy
	for _, p := range s.policies {
		if p.Covers(controlID) {
			out = append(out, p)
		}
	}
	return out
}

// ForFamily returns the policies with a control in family.
func (s *Set) ForFamily(family string) []Policy {
	family = strings.ToUpper(family)
	var out []Policy
	for _, p := range s.policies {
		for _, f := range p.Families() {
			if f == family {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Families returns every family with at least one policy.
func (s *Set) Families() []string {
	seen := make(map[string]struct{})
	for _, p := range s.policies {
		for _, f := range p.Families() {
			seen[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SubResources lists, per lower-cased resource type, the child endpoints
// the policies query.
func (s *Set) SubResources() map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]struct{})
	for _, p := range s.policies {
		if p.Property.SubResource == "" {
			continue
		}
		for _, t := range p.Resource.Types {
			t = strings.ToLower(t)
			key := t + "|" + p.Property.SubResource
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out[t] = append(out[t], p.Property.SubResource)
		}
	}
	return out
}
