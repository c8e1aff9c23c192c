package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// Rule ids of role assignment findings.
const (
	RulePrivilegedCount   = "ROLE-PRIVILEGED-COUNT"
	RuleExternalPrincipal = "ROLE-EXTERNAL-PRINCIPAL"
	RuleUnknownPrincipal  = "ROLE-UNKNOWN-PRINCIPAL"
)

const roleAssignmentType = "RoleAssignment"

// RoleOptions tunes RoleAssignmentCheck.
type RoleOptions struct {
	// PrivilegedRoles are role names that grant administrative access.
	PrivilegedRoles []string
	// MaxPrivileged is the number of privileged assignments tolerated.
	MaxPrivileged int
}

// DefaultRoleOptions covers the Azure and Google Cloud built-in admin roles.
func DefaultRoleOptions() RoleOptions {
	return RoleOptions{
		PrivilegedRoles: []string{
			"Owner",
			"Contributor",
			"User Access Administrator",
			"roles/owner",
			"roles/editor",
			"roles/resourcemanager.projectIamAdmin",
		},
		MaxPrivileged: 3,
	}
}

func (o RoleOptions) privileged(role string) bool {
	for _, r := range o.PrivilegedRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RoleAssignmentCheck reviews the role assignments of the scope: too many
// privileged assignments, roles held by guests or external principals, and
// roles held by principals that no longer resolve.
func RoleAssignmentCheck(opts RoleOptions) Checker {
	if opts.MaxPrivileged <= 0 {
		opts.MaxPrivileged = DefaultRoleOptions().MaxPrivileged
	}
	return func(ctx context.Context, req Request) []finding.Finding {
		assignments, err := req.Provider.GetRoleAssignments(ctx, req.Scope)
		if err != nil {
			return []finding.Finding{manualReview(req,
				"Unable to review role assignments",
				fmt.Sprintf("Role assignments for %s could not be read, so %s was not verified: %s.", req.Scope, req.Control.ID, provider.Describe(err)),
				finding.Low,
				finding.WithType(finding.TypeAccessControl),
				finding.WithResource(req.Scope.ID, roleAssignmentType),
				finding.WithMeta("checker", "roles"),
				finding.WithMeta("cause", err.Error()),
			)}
		}

		var out []finding.Finding
		var privileged []provider.RoleAssignment
		for _, a := range assignments {
			isPriv := opts.privileged(a.RoleName)
			if isPriv {
				privileged = append(privileged, a)
			}

			switch a.PrincipalType {
			case provider.PrincipalGuest, provider.PrincipalForeign:
				sev := finding.Medium
				if isPriv {
					sev = finding.High
				}
				out = append(out, roleFinding(req, a,
					fmt.Sprintf("External principal holds role %s", a.RoleName),
					fmt.Sprintf("%s %q is assigned %s at %s.", a.PrincipalType, principalName(a), a.RoleName, a.Scope),
					sev, RuleExternalPrincipal,
					"Confirm the business need for the external principal's access or remove the role assignment."))
			case provider.PrincipalUnknown:
				out = append(out, roleFinding(req, a,
					fmt.Sprintf("Role %s assigned to an unresolved principal", a.RoleName),
					fmt.Sprintf("Principal %s no longer resolves but still holds %s at %s.", a.PrincipalID, a.RoleName, a.Scope),
					finding.Medium, RuleUnknownPrincipal,
					"Remove role assignments whose principal was deleted."))
			}
		}

		if len(privileged) > opts.MaxPrivileged {
			names := make([]string, 0, len(privileged))
			for _, a := range privileged {
				names = append(names, principalName(a)+" ("+a.RoleName+")")
			}
			out = append(out, finding.New(
				"Excessive privileged role assignments",
				finding.High,
				finding.NonCompliant,
				finding.WithResource("Multiple", "Multiple"),
				finding.WithType(finding.TypeAccessControl),
				finding.WithDescription(fmt.Sprintf("%d privileged role assignments exist in %s, more than the %d allowed: %s.",
					len(privileged), req.Scope, opts.MaxPrivileged, strings.Join(names, ", "))),
				finding.WithControls(req.Control.ID),
				finding.WithRecommendation("Reduce standing privileged access and use just-in-time elevation."),
				finding.WithMeta("checker", "roles"),
				finding.WithMeta("rule_id", RulePrivilegedCount),
				finding.WithMeta("scope", req.Scope.String()),
			))
		}

		if len(out) == 0 {
			out = append(out, finding.New(
				"Passed: role assignments reviewed",
				finding.Informational,
				finding.Compliant,
				finding.WithResource(req.Scope.ID, roleAssignmentType),
				finding.WithType(finding.TypeAccessControl),
				finding.WithDescription(fmt.Sprintf("%d role assignments in %s, %d privileged, none held by external or unresolved principals.",
					len(assignments), req.Scope, len(privileged))),
				finding.WithControls(req.Control.ID),
				finding.WithMeta("checker", "roles"),
			))
		}
		return out
	}
}

func roleFinding(req Request, a provider.RoleAssignment, title, desc string, sev finding.Severity, ruleID, rec string) finding.Finding {
	return finding.New(title, sev, finding.NonCompliant,
		finding.WithResource(a.ID, roleAssignmentType),
		finding.WithType(finding.TypeAccessControl),
		finding.WithDescription(desc),
		finding.WithControls(req.Control.ID),
		finding.WithRecommendation(rec),
		finding.WithMeta("checker", "roles"),
		finding.WithMeta("rule_id", ruleID),
		finding.WithMeta("principal_id", a.PrincipalID),
		finding.WithMeta("role", a.RoleName),
	)
}

func principalName(a provider.RoleAssignment) string {
	if a.PrincipalName != "" {
		return a.PrincipalName
	}
	return a.PrincipalID
}
