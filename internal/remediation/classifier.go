// Package remediation decides whether findings can be fixed automatically
// and proposes remediation actions. Classification is a pure function of
// the finding driven by ordered rule tables.
package remediation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

// Complexity is the effort tier of a remediation.
type Complexity string

const (
	Simple   Complexity = "Simple"
	Moderate Complexity = "Moderate"
	Complex  Complexity = "Complex"
)

// Duration renders as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// EstimatedDuration returns the effort estimate of a tier.
func EstimatedDuration(c Complexity) Duration {
	switch c {
	case Simple:
		return Duration(5 * time.Minute)
	case Moderate:
		return Duration(15 * time.Minute)
	case Complex:
		return Duration(time.Hour)
	default:
		return Duration(30 * time.Minute)
	}
}

// Action is one proposed remediation step.
type Action struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	ActionType        string            `json:"action_type"`
	Complexity        Complexity        `json:"complexity"`
	EstimatedDuration Duration          `json:"estimated_duration"`
	RequiresApproval  bool              `json:"requires_approval"`
	Parameters        map[string]string `json:"parameters,omitempty"`
}

// Classification is the remediation verdict for one finding.
type Classification struct {
	IsAutoRemediable  bool       `json:"is_auto_remediable"`
	Complexity        Complexity `json:"complexity"`
	EstimatedDuration Duration   `json:"estimated_duration"`
	Actions           []Action   `json:"actions"`
	// Rule names the rule table entry that decided remediability.
	Rule string `json:"rule"`
}

// ManualReviewAction is the name of the single action of non-remediable
// findings.
const ManualReviewAction = "Manual Review Required"

// Classifier evaluates the rule tables. It holds no state; the zero value
// is ready to use.
type Classifier struct{}

// NewClassifier returns a Classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify decides remediability, complexity and actions for f. The
// result depends only on f.
func (c *Classifier) Classify(f finding.Finding) Classification {
	auto, rule := remediable(f)
	complexity := complexityOf(f, auto)

	cl := Classification{
		IsAutoRemediable:  auto,
		Complexity:        complexity,
		EstimatedDuration: EstimatedDuration(complexity),
		Rule:              rule,
	}
	cl.Actions = actionsFor(f, cl)
	return cl
}

// remediable applies the access, grouped, typed and legacy tables in order.
func remediable(f finding.Finding) (bool, string) {
	if r, ok := firstMatch(accessRules, f); ok {
		return r.AutoRemediable, r.Name
	}
	if strings.EqualFold(f.ResourceType, GroupedResourceType) {
		if r, ok := firstMatch(groupedRules, f); ok {
			return r.AutoRemediable, r.Name
		}
		return true, groupedDefaultRule
	}
	if r, ok := firstMatch(typedRules, f); ok {
		return r.AutoRemediable, r.Name
	}
	if r, ok := firstMatch(legacyRules, f); ok {
		return r.AutoRemediable, r.Name
	}
	return false, noMatchRule
}

func firstMatch(rules []Rule, f finding.Finding) (Rule, bool) {
	for _, r := range rules {
		if r.When.matches(f) {
			return r, true
		}
	}
	return Rule{}, false
}

func complexityOf(f finding.Finding, auto bool) Complexity {
	if !auto {
		return Complex
	}
	text := strings.ToLower(f.Title + " " + f.ResourceType)
	if containsAny(text, simpleKeywords) || hasWord(text, tagWords) {
		return Simple
	}
	// Encryption, firewall and backup changes land here too.
	return Moderate
}

func actionsFor(f finding.Finding, cl Classification) []Action {
	if !cl.IsAutoRemediable {
		return []Action{{
			Name:              ManualReviewAction,
			Description:       manualDescription(f),
			ActionType:        "manual",
			Complexity:        cl.Complexity,
			EstimatedDuration: cl.EstimatedDuration,
			RequiresApproval:  true,
			Parameters:        withResource(nil, f),
		}}
	}

	var actions []Action
	for _, t := range actionTemplates {
		if !t.When.matches(f) {
			continue
		}
		actions = append(actions, Action{
			Name:              t.Name,
			Description:       t.Description,
			ActionType:        t.ActionType,
			Complexity:        cl.Complexity,
			EstimatedDuration: cl.EstimatedDuration,
			RequiresApproval:  t.RequiresApproval,
			Parameters:        withResource(t.Parameters, f),
		})
	}
	if len(actions) > 0 {
		return actions
	}
	return []Action{{
		Name:              "Apply Recommended Remediation",
		Description:       f.Recommendation,
		ActionType:        "generic",
		Complexity:        cl.Complexity,
		EstimatedDuration: cl.EstimatedDuration,
		Parameters:        withResource(nil, f),
	}}
}

func manualDescription(f finding.Finding) string {
	if f.Recommendation != "" {
		return "Review and remediate manually: " + f.Recommendation
	}
	return "Review the finding and remediate manually."
}

// withResource copies params and adds the resource id.
func withResource(params map[string]string, f finding.Finding) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if f.ResourceID != "" {
		out["resource_id"] = f.ResourceID
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
