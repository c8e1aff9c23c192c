package scanner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/metrics"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/retry"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultParallelism = 4
)

// CatalogSource supplies the control catalog. *catalog.Cache implements it.
type CatalogSource interface {
	Catalog(ctx context.Context, forceRefresh bool) catalog.Result
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCallTimeout bounds every provider call attempt.
func WithCallTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.callTimeout = t
		}
	}
}

// WithRetryAttempts sets the attempt budget for transient provider errors.
func WithRetryAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithDefaultChecker replaces the checker used for unregistered controls.
func WithDefaultChecker(c Checker) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.fallback = c
		}
	}
}

// WithParallelism bounds concurrent property queries per control.
func WithParallelism(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.parallelism = n
		}
	}
}

// Dispatcher evaluates controls against one provider. Create one per
// assessment run: provider answers are memoized for its lifetime.
type Dispatcher struct {
	registry    *Registry
	catalogs    CatalogSource
	provider    *guardedProvider
	fallback    Checker
	logger      *zap.Logger
	callTimeout time.Duration
	attempts    int
	parallelism int
}

// NewDispatcher builds a dispatcher over registry, catalogs and p.
func NewDispatcher(registry *Registry, catalogs CatalogSource, p provider.ResourceProvider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		catalogs:    catalogs,
		fallback:    DefaultChecker,
		logger:      zap.NewNop(),
		callTimeout: defaultCallTimeout,
		attempts:    3,
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("scanner")
	d.provider = newGuardedProvider(p, retry.New(
		retry.WithMaxAttempts(d.attempts),
		retry.WithAttemptTimeout(d.callTimeout),
		retry.WithRetryIf(provider.IsTransient),
		retry.WithLogger(d.logger),
	))
	return d
}

// Dispatch evaluates controlID within scope. It always returns at least
// one finding and never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, controlID string, scope provider.Scope) []finding.Finding {
	id := catalog.NormalizeID(controlID)
	family := catalog.Family(id)

	findings := d.dispatch(ctx, id, scope)
	for _, f := range findings {
		metrics.RecordFinding(family, string(f.ComplianceStatus))
	}
	return findings
}

func (d *Dispatcher) dispatch(ctx context.Context, id string, scope provider.Scope) []finding.Finding {
	req := Request{
		Scope:       scope,
		Control:     catalog.Control{ID: id, Family: catalog.Family(id)},
		Provider:    d.provider,
		Parallelism: d.parallelism,
	}

	checker, key, ok := d.registry.Lookup(id)
	if !ok {
		d.logger.Debug("no checker registered", zap.String("control", id))
		if res := d.catalogs.Catalog(ctx, false); !res.Degraded() {
			req.Catalog = res.Catalog
			if ctl, found := res.Catalog.Control(id); found {
				req.Control = ctl
			}
		}
		return d.run(ctx, "default", d.fallback, req)
	}

	res := d.catalogs.Catalog(ctx, false)
	if res.Degraded() {
		d.logger.Warn("control catalog unavailable", zap.String("control", id), zap.Error(res.Err))
		return []finding.Finding{unavailableCatalog(id, res.Err)}
	}
	ctl, found := res.Catalog.Control(id)
	if !found {
		return []finding.Finding{notInCatalog(id, res.Catalog.Version)}
	}
	req.Control = ctl
	req.Catalog = res.Catalog

	findings := d.run(ctx, key, checker, req)
	if len(findings) == 0 {
		d.logger.Debug("checker had no evidence, using default", zap.String("control", id), zap.String("checker", key))
		return d.run(ctx, "default", d.fallback, req)
	}
	return findings
}

// run invokes c, turning a panic into a ManualReviewRequired finding.
func (d *Dispatcher) run(ctx context.Context, key string, c Checker, req Request) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("checker panicked",
				zap.String("checker", key),
				zap.String("control", req.Control.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = []finding.Finding{manualReview(req,
				"Unable to verify "+req.Control.ID,
				fmt.Sprintf("The %s checker failed unexpectedly while evaluating %s, so the control could not be verified: %v.", key, req.Control.ID, r),
				finding.Low,
				finding.WithMeta("checker", key),
				finding.WithMeta("cause", fmt.Sprint(r)),
			)}
		}
	}()
	return c(ctx, req)
}

func unavailableCatalog(id string, cause error) finding.Finding {
	desc := fmt.Sprintf("The control catalog could not be loaded from the remote source or the fallback, so %s could not be evaluated.", id)
	opts := []finding.Option{
		finding.WithType(finding.TypeCompliance),
		finding.WithDescription(desc),
		finding.WithControls(id),
		finding.WithRecommendation("Restore access to the control catalog source or configure an offline fallback file, then re-run the assessment."),
		finding.WithMeta("checker", "dispatcher"),
	}
	if cause != nil {
		opts = append(opts, finding.WithMeta("cause", cause.Error()))
	}
	return finding.New("Control catalog unavailable", finding.Low, finding.ManualReviewRequired, opts...)
}

func notInCatalog(id, version string) finding.Finding {
	return finding.New(
		fmt.Sprintf("%s is not part of the control catalog", id),
		finding.Informational,
		finding.NotApplicable,
		finding.WithType(finding.TypeCompliance),
		finding.WithDescription(fmt.Sprintf("Control %s does not exist in catalog version %s.", id, version)),
		finding.WithControls(id),
		finding.WithRecommendation("Check the control id against the catalog in use."),
		finding.WithMeta("checker", "dispatcher"),
		finding.WithMeta("catalog_version", version),
	)
}

// manualReview builds a ManualReviewRequired finding for req's control.
func manualReview(req Request, title, description string, severity finding.Severity, opts ...finding.Option) finding.Finding {
	base := []finding.Option{
		finding.WithType(finding.TypeCompliance),
		finding.WithDescription(description),
		finding.WithControls(req.Control.ID),
		finding.WithRecommendation("Verify the control manually and attach the evidence to the assessment."),
	}
	return finding.New(title, severity, finding.ManualReviewRequired, append(base, opts...)...)
}
