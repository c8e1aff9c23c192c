// Package provider defines the interface to cloud resource and identity APIs
// that checkers evaluate controls against.
//
// Each cloud (e.g. Azure, Google Cloud) registers a factory that creates a
// ResourceProvider. The CLI looks the provider up at runtime by name.
//
// To add a new provider:
//  1. Create internal/provider/<name>/ with a ResourceProvider implementation.
//  2. Call provider.Register("<name>", factory, envHelp) in an init() function.
//  3. Import the package (blank import) in cmd/closedcspm/providers.go.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ScopeKind is the kind of boundary a scan covers.
type ScopeKind string

const (
	ScopeSubscription  ScopeKind = "subscription"
	ScopeResourceGroup ScopeKind = "resource_group"
	ScopeProject       ScopeKind = "project"
	ScopeOrganization  ScopeKind = "organization"
	ScopeWorkspace     ScopeKind = "workspace"
)

// Scope is the boundary of a scan.
type Scope struct {
	Kind ScopeKind `json:"kind" yaml:"kind"`
	// ID is the provider identifier of the boundary, e.g. a subscription id,
	// "<subscription>/<resource group>" or a GCP project id.
	ID string `json:"id" yaml:"id"`
	// Name is an optional display name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Validate reports whether the scope is usable.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeSubscription, ScopeResourceGroup, ScopeProject, ScopeOrganization, ScopeWorkspace:
	case "":
		return errors.New("scope kind is required")
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("scope id is required")
	}
	if s.Kind == ScopeResourceGroup && !strings.Contains(s.ID, "/") {
		return fmt.Errorf("resource group scope %q must be <subscription>/<resource group>", s.ID)
	}
	return nil
}

func (s Scope) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s:%s (%s)", s.Kind, s.ID, s.Name)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// ParseScope parses "<kind>:<id>".
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Scope{}, fmt.Errorf("scope %q must be <kind>:<id>", s)
	}
	scope := Scope{Kind: ScopeKind(strings.ToLower(kind)), ID: id}
	return scope, scope.Validate()
}

// ResourceDescriptor identifies one cloud resource.
type ResourceDescriptor struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Type     string            `json:"type" yaml:"type"`
	Location string            `json:"location,omitempty" yaml:"location,omitempty"`
	Tags     map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// PrincipalType classifies the holder of a role assignment.
type PrincipalType string

const (
	PrincipalUser             PrincipalType = "User"
	PrincipalGroup            PrincipalType = "Group"
	PrincipalServicePrincipal PrincipalType = "ServicePrincipal"
	PrincipalManagedIdentity  PrincipalType = "ManagedIdentity"
	PrincipalGuest            PrincipalType = "Guest"
	PrincipalForeign          PrincipalType = "ForeignGroup"
	PrincipalUnknown          PrincipalType = "Unknown"
)

// RoleAssignment grants a role to a principal at a scope.
type RoleAssignment struct {
	ID            string        `json:"id" yaml:"id"`
	PrincipalID   string        `json:"principal_id" yaml:"principal_id"`
	PrincipalName string        `json:"principal_name,omitempty" yaml:"principal_name,omitempty"`
	PrincipalType PrincipalType `json:"principal_type" yaml:"principal_type"`
	RoleName      string        `json:"role_name" yaml:"role_name"`
	Scope         string        `json:"scope" yaml:"scope"`
}

// ResourceProvider is the fallible, latency-bearing view of a cloud
// environment. Implementations return errors classified with the taxonomy
// in this package.
type ResourceProvider interface {
	// Name returns the provider name (e.g. "azure").
	Name() string
	// ListResources lists the resources inside scope.
	ListResources(ctx context.Context, scope Scope) ([]ResourceDescriptor, error)
	// GetResourceProperties returns the properties document of a resource or
	// of a child endpoint ("<resource id>/<sub-resource>").
	GetResourceProperties(ctx context.Context, resourceID string) (Properties, error)
	// GetRoleAssignments lists the role assignments that apply to scope.
	GetRoleAssignments(ctx context.Context, scope Scope) ([]RoleAssignment, error)
}

// Properties is a decoded JSON properties document.
type Properties map[string]interface{}

// Lookup resolves a dotted path ("properties.minimumTlsVersion",
// "value.0.name"). Numeric segments index into arrays. Keys are matched
// exactly first, then case-insensitively.
func (p Properties) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(p)
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				v, ok = lookupFold(node, seg)
			}
			if !ok {
				return nil, false
			}
			cur = v
		case Properties:
			v, ok := node.Lookup(seg)
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// ScopeDefaulter is implemented by providers that know a default scope,
// such as the subscription of the active CLI profile.
type ScopeDefaulter interface {
	DefaultScope() (Scope, bool)
}
