package scanner

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/retry"
)

// guardedProvider wraps a ResourceProvider for one assessment run: every
// call is retried on transient errors with a per-attempt timeout, and
// successful answers are memoized so controls sharing resources query
// them once.
type guardedProvider struct {
	inner provider.ResourceProvider
	retry *retry.Policy
	group singleflight.Group

	mu         sync.RWMutex
	listings   map[string][]provider.ResourceDescriptor
	properties map[string]provider.Properties
	roles      map[string][]provider.RoleAssignment
}

func newGuardedProvider(inner provider.ResourceProvider, policy *retry.Policy) *guardedProvider {
	return &guardedProvider{
		inner:      inner,
		retry:      policy,
		listings:   make(map[string][]provider.ResourceDescriptor),
		properties: make(map[string]provider.Properties),
		roles:      make(map[string][]provider.RoleAssignment),
	}
}

func (g *guardedProvider) Name() string { return g.inner.Name() }

func (g *guardedProvider) ListResources(ctx context.Context, scope provider.Scope) ([]provider.ResourceDescriptor, error) {
	key := scope.String()
	g.mu.RLock()
	cached, ok := g.listings[key]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := g.group.Do("list|"+key, func() (interface{}, error) {
		var out []provider.ResourceDescriptor
		err := g.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = g.inner.ListResources(ctx, scope)
			return err
		})
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.listings[key] = out
		g.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]provider.ResourceDescriptor), nil
}

func (g *guardedProvider) GetResourceProperties(ctx context.Context, resourceID string) (provider.Properties, error) {
	g.mu.RLock()
	cached, ok := g.properties[resourceID]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := g.group.Do("props|"+resourceID, func() (interface{}, error) {
		var out provider.Properties
		err := g.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = g.inner.GetResourceProperties(ctx, resourceID)
			return err
		})
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.properties[resourceID] = out
		g.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(provider.Properties), nil
}

func (g *guardedProvider) GetRoleAssignments(ctx context.Context, scope provider.Scope) ([]provider.RoleAssignment, error) {
	key := scope.String()
	g.mu.RLock()
	cached, ok := g.roles[key]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := g.group.Do("roles|"+key, func() (interface{}, error) {
		var out []provider.RoleAssignment
		err := g.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = g.inner.GetRoleAssignments(ctx, scope)
			return err
		})
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.roles[key] = out
		g.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]provider.RoleAssignment), nil
}
