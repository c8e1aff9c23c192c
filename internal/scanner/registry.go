// Package scanner routes catalog controls to the checkers that gather
// evidence for them.
//
// A checker never fails: anything it cannot verify is reported as a
// ManualReviewRequired finding, never as Compliant.
//
// To add a family checker:
//  1. Write a Checker (or compose PropertyCheck/RoleAssignmentCheck).
//  2. Register it under the family prefix ("AU") or a control id ("AC-2")
//     in NewDefaultRegistry.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/policy"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// Request is the input of a single control evaluation.
type Request struct {
	Scope    provider.Scope
	Control  catalog.Control
	Provider provider.ResourceProvider
	// Catalog is nil when evaluation falls back to the default checker
	// without a catalog.
	Catalog *catalog.Catalog
	// Parallelism bounds concurrent property queries within one checker.
	Parallelism int
}

// Checker evaluates one control. Implementations must not panic and must
// return at least one finding when they have anything to say; an empty
// result hands the control to the default checker.
type Checker func(ctx context.Context, req Request) []finding.Finding

// Registry maps control ids and family prefixes onto checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker under a family prefix ("AU") or a control id
// ("AC-2"). It panics if key is already registered.
func (r *Registry) Register(key string, c Checker) {
	key = catalog.NormalizeID(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.checkers[key]; exists {
		panic(fmt.Sprintf("checker %q already registered", key))
	}
	r.checkers[key] = c
}

// Lookup finds the checker for controlID: exact id first, then the base
// control of an enhancement, then the family. key is the matched entry.
func (r *Registry) Lookup(controlID string) (c Checker, key string, ok bool) {
	id := catalog.NormalizeID(controlID)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range []string{id, baseControl(id), catalog.Family(id)} {
		if c, ok := r.checkers[k]; ok {
			return c, k, true
		}
	}
	return nil, "", false
}

// Families returns the registered keys, sorted.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.checkers))
	for k := range r.checkers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewDefaultRegistry registers the built-in family checkers over rules.
// AC-2 and AC-6 additionally review role assignments.
func NewDefaultRegistry(rules *policy.Set, roles RoleOptions) *Registry {
	r := NewRegistry()
	byRules := RulesChecker(rules)
	for _, family := range []string{"AC", "AU", "CM", "CP", "IA", "SC", "SI"} {
		r.Register(family, byRules)
	}
	roleCheck := RoleAssignmentCheck(roles)
	r.Register("AC-2", Combine(byRules, roleCheck))
	r.Register("AC-6", Combine(byRules, roleCheck))
	return r
}

// Combine runs checkers in order and concatenates their findings.
func Combine(checkers ...Checker) Checker {
	return func(ctx context.Context, req Request) []finding.Finding {
		var out []finding.Finding
		for _, c := range checkers {
			out = append(out, c(ctx, req)...)
		}
		return out
	}
}

func baseControl(id string) string {
	if i := strings.IndexAny(id, ".("); i > 0 {
		return id[:i]
	}
	return id
}
