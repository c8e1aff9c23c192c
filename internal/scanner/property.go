package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/policy"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// RulesChecker evaluates every enabled rule covering the requested control.
// It returns nothing when no rule covers the control.
func RulesChecker(rules *policy.Set) Checker {
	return func(ctx context.Context, req Request) []finding.Finding {
		var out []finding.Finding
		for _, rule := range rules.ForControl(req.Control.ID) {
			out = append(out, PropertyCheck(rule)(ctx, req)...)
		}
		return out
	}
}

// PropertyCheck evaluates one rule against every matching resource in the
// request scope:
//
//	list fails          -> one Informational ManualReviewRequired finding
//	nothing matches     -> one Informational NotApplicable finding
//	property query fails -> ManualReviewRequired, or NonCompliant when the
//	                       configuration is missing and absence violates
//	query succeeds      -> Compliant or NonCompliant by the rule condition
func PropertyCheck(rule policy.Policy) Checker {
	return func(ctx context.Context, req Request) []finding.Finding {
		resources, err := req.Provider.ListResources(ctx, req.Scope)
		if err != nil {
			return []finding.Finding{ruleFinding(rule, req, nil,
				"Unable to list resources for "+rule.ID,
				fmt.Sprintf("Resources in %s could not be listed, so %q was not evaluated: %s.", req.Scope, rule.Title, provider.Describe(err)),
				finding.Informational, finding.ManualReviewRequired,
				finding.WithMeta("cause", err.Error()),
			)}
		}

		var selected []provider.ResourceDescriptor
		for _, r := range resources {
			if rule.Resource.Matches(r) {
				selected = append(selected, r)
			}
		}
		if len(selected) == 0 {
			return []finding.Finding{ruleFinding(rule, req, nil,
				"Nothing to check for "+rule.ID,
				fmt.Sprintf("No %s resources exist in %s.", strings.Join(rule.Resource.Types, " or "), req.Scope),
				finding.Informational, finding.NotApplicable,
			)}
		}

		out := make([]finding.Finding, len(selected))
		g, gctx := errgroup.WithContext(ctx)
		limit := req.Parallelism
		if limit <= 0 {
			limit = 1
		}
		g.SetLimit(limit)
		for i, r := range selected {
			g.Go(func() error {
				out[i] = evaluateResource(gctx, rule, req, r)
				return nil
			})
		}
		_ = g.Wait()
		return out
	}
}

func evaluateResource(ctx context.Context, rule policy.Policy, req Request, r provider.ResourceDescriptor) finding.Finding {
	target := rule.Property.Target(r.ID)
	props, err := req.Provider.GetResourceProperties(ctx, target)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return absent(rule, req, r, fmt.Sprintf("%s does not exist", target), err)
		}
		return ruleFinding(rule, req, &r,
			"Unable to verify: "+rule.Title,
			fmt.Sprintf("The configuration of %s could not be read, so %q was not verified: %s.", r.Name, rule.Title, provider.Describe(err)),
			finding.Low, finding.ManualReviewRequired,
			finding.WithMeta("cause", err.Error()),
		)
	}

	value, present := props.Lookup(rule.Property.Path)
	if !present && !rule.Condition.Evaluate(nil, false) {
		return absent(rule, req, r, fmt.Sprintf("property %s is not set", rule.Property.Path), nil)
	}

	if rule.Condition.Evaluate(value, present) {
		return ruleFinding(rule, req, &r,
			"Passed: "+rule.Title,
			fmt.Sprintf("%s: %s %s (actual: %v).", r.Name, rule.Property.Path, rule.Condition.String(), value),
			finding.Informational, finding.Compliant,
			finding.WithMeta("actual", fmt.Sprint(value)),
		)
	}
	return ruleFinding(rule, req, &r,
		rule.Title,
		fmt.Sprintf("%s %s Expected %s %s, found %v.", r.Name, rule.Description, rule.Property.Path, rule.Condition.String(), value),
		rule.Severity, finding.NonCompliant,
		finding.WithMeta("actual", fmt.Sprint(value)),
	)
}

// absent reports missing configuration: a violation by default, otherwise
// a manual review since nothing proves the control is met.
func absent(rule policy.Policy, req Request, r provider.ResourceDescriptor, what string, cause error) finding.Finding {
	var extra []finding.Option
	if cause != nil {
		extra = append(extra, finding.WithMeta("cause", cause.Error()))
	}
	if rule.AbsenceViolates() {
		return ruleFinding(rule, req, &r, rule.Title,
			fmt.Sprintf("%s: %s, so the required configuration is missing. %s", r.Name, what, rule.Description),
			rule.Severity, finding.NonCompliant, extra...)
	}
	return ruleFinding(rule, req, &r, "Unable to verify: "+rule.Title,
		fmt.Sprintf("%s: %s, so %q could not be verified.", r.Name, what, rule.Title),
		finding.Low, finding.ManualReviewRequired, extra...)
}

func ruleFinding(rule policy.Policy, req Request, r *provider.ResourceDescriptor, title, desc string, sev finding.Severity, status finding.Status, extra ...finding.Option) finding.Finding {
	opts := []finding.Option{
		finding.WithType(rule.FindingType),
		finding.WithDescription(desc),
		finding.WithControls(req.Control.ID),
		finding.WithControls(rule.Controls...),
		finding.WithRecommendation(rule.Remediation),
		finding.WithMeta("checker", "property"),
		finding.WithMeta("rule_id", rule.ID),
		finding.WithMeta("property_path", rule.Property.Path),
	}
	if r != nil {
		opts = append(opts,
			finding.WithResource(r.ID, r.Type),
			finding.WithMeta("resource_name", r.Name),
		)
	} else {
		opts = append(opts, finding.WithResource(req.Scope.ID, strings.Join(rule.Resource.Types, ",")))
	}
	return finding.New(title, sev, status, append(opts, extra...)...)
}
