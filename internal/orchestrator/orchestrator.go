// Package orchestrator runs the phases of an assessment, isolates their
// failures and aggregates the results into an Assessment.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/metrics"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

// ErrInvalidRun is returned for runs that violate the orchestrator's
// contract. No assessment is produced.
var ErrInvalidRun = errors.New("invalid assessment run")

// Progress is sent to the progress sink before and after each phase.
type Progress struct {
	TotalPhases     int    `json:"total_phases"`
	CompletedPhases int    `json:"completed_phases"`
	CurrentPhase    string `json:"current_phase"`
	Message         string `json:"message"`
}

// ProgressReporter receives progress updates.
type ProgressReporter interface {
	Report(Progress)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(Progress)

// Report calls f.
func (f ProgressFunc) Report(p Progress) { f(p) }

// EvidenceStore persists assessment evidence. *evidence.Recorder
// implements it.
type EvidenceStore interface {
	StoreScanResults(ctx context.Context, scanType string, payload interface{}, meta map[string]string) (string, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProgress sets the progress sink.
func WithProgress(r ProgressReporter) Option {
	return func(o *Orchestrator) { o.progress = r }
}

// WithConcurrency runs up to n phases at once. The default runs phases
// sequentially in declared order.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithEnricher sets the finding enricher.
func WithEnricher(e *remediation.Enricher) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.enricher = e
		}
	}
}

// WithEvidence sets the evidence store.
func WithEvidence(s EvidenceStore) Option {
	return func(o *Orchestrator) { o.evidence = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs assessments. It is safe to reuse across runs.
type Orchestrator struct {
	logger      *zap.Logger
	progress    ProgressReporter
	concurrency int
	enricher    *remediation.Enricher
	evidence    EvidenceStore
	now         func() time.Time
}

// New returns an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:      zap.NewNop(),
		concurrency: 1,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	if o.enricher == nil {
		o.enricher = remediation.NewEnricher(nil, nil, o.logger)
	}
	return o
}

// Run executes phases against scope and aggregates the results. Failing
// phases are recorded as degraded results and never abort the run.
//
// An error is returned only for contract violations (no assessment) and
// for cancellation, in which case the assessment holds the phases that
// completed and has status Canceled.
func (o *Orchestrator) Run(ctx context.Context, scope provider.Scope, phases []Phase) (*Assessment, error) {
	if err := validate(scope, phases); err != nil {
		return nil, err
	}

	started := o.now()
	log := o.logger.With(zap.String("scope", scope.String()))
	log.Info("assessment started", zap.Int("phases", len(phases)))

	results := make([]*PhaseResult, len(phases))
	tracker := &progressTracker{sink: o.progress, total: len(phases), logger: log}

	if o.concurrency > 1 {
		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for i, p := range phases {
			g.Go(func() error {
				results[i] = o.runPhase(ctx, scope, p, tracker, log)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, p := range phases {
			if ctx.Err() != nil {
				break
			}
			results[i] = o.runPhase(ctx, scope, p, tracker, log)
		}
	}

	a := o.aggregate(scope, results, started)
	if err := ctx.Err(); err != nil {
		a.Status = StatusCanceled
		log.Warn("assessment canceled", zap.Int("completed_phases", len(a.PhaseOrder)), zap.Error(err))
		tracker.report("", "Assessment canceled", false)
		return a, err
	}

	a.EvidenceURI = o.storeEvidence(ctx, a, log)
	metrics.SetOverallScore(a.OverallScore)
	tracker.report("", "Assessment complete", false)
	log.Info("assessment complete",
		zap.String("assessment_id", a.ID),
		zap.Float64("overall_score", a.OverallScore),
		zap.String("risk_level", string(a.RiskProfile.RiskLevel)),
		zap.Int("findings", len(a.AllFindings)),
	)
	return a, nil
}

func validate(scope provider.Scope, phases []Phase) error {
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	if len(phases) == 0 {
		return fmt.Errorf("%w: no phases declared", ErrInvalidRun)
	}
	seen := make(map[string]bool, len(phases))
	for i, p := range phases {
		if p == nil {
			return fmt.Errorf("%w: phase %d is nil", ErrInvalidRun, i)
		}
		d := strings.TrimSpace(p.Domain())
		if d == "" {
			return fmt.Errorf("%w: phase %d has no domain", ErrInvalidRun, i)
		}
		if seen[d] {
			return fmt.Errorf("%w: duplicate phase domain %q", ErrInvalidRun, d)
		}
		seen[d] = true
	}
	return nil
}

// runPhase executes one phase behind a recover boundary. It returns nil
// when the phase failed because ctx was canceled; a phase that finished
// despite the cancellation keeps its result.
func (o *Orchestrator) runPhase(ctx context.Context, scope provider.Scope, p Phase, tracker *progressTracker, log *zap.Logger) *PhaseResult {
	if ctx.Err() != nil {
		return nil
	}
	domain := p.Domain()
	log = log.With(zap.String("phase", domain))
	tracker.report(domain, "Running "+domain, false)

	start := time.Now()
	out, err := safeRun(ctx, scope, p)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Debug("phase interrupted by cancellation")
		return nil
	}

	var res PhaseResult
	if err != nil {
		log.Warn("phase not available", zap.Error(err))
		res = PhaseResult{
			Domain:   domain,
			Score:    NeutralScore,
			Findings: []remediation.Enriched{},
			Status:   StatusNotAvailable,
			Error:    err.Error(),
		}
		tracker.report(domain, fmt.Sprintf("%s not available: %v", domain, err), true)
	} else {
		res = PhaseResult{
			Domain:   domain,
			Score:    clamp(out.Score, 0, 100),
			Findings: o.enricher.Enrich(out.Findings),
			Passed:   out.Passed,
			Total:    out.Total,
			Status:   StatusCompleted,
		}
		log.Info("phase completed", zap.Float64("score", res.Score), zap.Int("findings", len(res.Findings)))
		tracker.report(domain, "Completed "+domain, true)
	}
	res.Duration = elapsed
	metrics.RecordPhase(domain, string(res.Status), elapsed)
	return &res
}

func safeRun(ctx context.Context, scope provider.Scope, p Phase) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return p.Run(ctx, scope)
}

func (o *Orchestrator) aggregate(scope provider.Scope, results []*PhaseResult, started time.Time) *Assessment {
	a := &Assessment{
		ID:          uuid.NewString(),
		Scope:       scope,
		Status:      StatusCompleted,
		Phases:      make(map[string]PhaseResult, len(results)),
		PhaseOrder:  []string{},
		AllFindings: []remediation.Enriched{},
		StartedAt:   started,
	}

	done := make([]PhaseResult, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		a.Phases[r.Domain] = *r
		a.PhaseOrder = append(a.PhaseOrder, r.Domain)
		a.AllFindings = append(a.AllFindings, r.Findings...)
		done = append(done, *r)
	}

	plain := a.Findings()
	a.SeverityCounts = finding.CountBySeverity(plain)
	a.OverallScore = OverallScore(done)
	a.RiskProfile = NewRiskProfile(plain, a.OverallScore)
	a.ExecutiveSummary = ExecutiveSummary(a.OverallScore, a.SeverityCounts, len(plain))
	a.EndedAt = o.now()
	return a
}

// storeEvidence writes the assessment to the evidence store. Failures are
// logged and otherwise ignored.
func (o *Orchestrator) storeEvidence(ctx context.Context, a *Assessment, log *zap.Logger) string {
	if o.evidence == nil {
		return ""
	}
	uri, err := o.evidence.StoreScanResults(ctx, "assessment", a, map[string]string{
		"assessment_id": a.ID,
		"scope":         a.Scope.String(),
		"overall_score": fmt.Sprintf("%.2f", a.OverallScore),
		"risk_level":    string(a.RiskProfile.RiskLevel),
	})
	if err != nil {
		log.Warn("storing evidence failed", zap.Error(err))
		return ""
	}
	log.Info("evidence stored", zap.String("uri", uri))
	return uri
}

type progressTracker struct {
	mu        sync.Mutex
	sink      ProgressReporter
	total     int
	completed int
	logger    *zap.Logger
}

// report sends an update to the sink. Panics in the sink are swallowed.
func (t *progressTracker) report(phase, msg string, finished bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if finished {
		t.completed++
	}
	if t.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Debug("progress sink panicked", zap.Any("panic", r))
		}
	}()
	t.sink.Report(Progress{
		TotalPhases:     t.total,
		CompletedPhases: t.completed,
		CurrentPhase:    phase,
		Message:         msg,
	})
}
