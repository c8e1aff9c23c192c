package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

const defaultConcurrency = 5

// CollectOptions tunes Collect.
type CollectOptions struct {
	// Concurrency is the max number of parallel property queries.
	Concurrency int
	// SubResources lists, per lower-cased resource type, the child endpoints
	// to capture alongside each resource (e.g. diagnostic settings).
	SubResources map[string][]string
	Logger       *zap.Logger
}

// Collect queries p for everything in scope and returns a snapshot.
// Failed property queries are logged and counted in Metadata, but do not
// fail the collection: some resources may not be readable.
func Collect(ctx context.Context, p provider.ResourceProvider, scope provider.Scope, opts CollectOptions) (*Snapshot, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	resources, err := p.ListResources(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	logger.Info("listed resources", zap.Int("count", len(resources)))

	snap := New(p.Name(), scope)
	snap.Resources = resources

	assignments, err := p.GetRoleAssignments(ctx, scope)
	if err != nil {
		logger.Warn("role assignments not collected", zap.Error(err))
		snap.Metadata["role_assignment_error"] = err.Error()
	} else {
		snap.RoleAssignments = assignments
	}

	var targets []string
	for _, r := range resources {
		targets = append(targets, r.ID)
		for _, sub := range opts.SubResources[strings.ToLower(r.Type)] {
			targets = append(targets, r.ID+"/"+strings.TrimPrefix(sub, "/"))
		}
	}

	// Query properties in parallel with bounded concurrency.
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, concurrency)
		errs []error
	)

	for _, id := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			props, err := p.GetResourceProperties(ctx, id)
			if err != nil {
				// Absent child endpoints are meaningful and kept as missing.
				if errors.Is(err, provider.ErrNotFound) {
					return
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
				logger.Warn("property query failed", zap.String("resource", id), zap.Error(err))
				return
			}

			mu.Lock()
			snap.SetProperties(id, props)
			mu.Unlock()

			logger.Debug("collected properties", zap.String("resource", id), zap.Duration("took", time.Since(start)))
		}(id)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		snap.Metadata["collection_warnings"] = fmt.Sprintf("%d property queries had errors", len(errs))
	}
	return snap, nil
}
