package orchestrator

import (
	"context"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/producer"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// NeutralScore is assigned to degraded phases and to phases with nothing
// to evaluate.
const NeutralScore = 50.0

// Outcome is what a phase reports back to the orchestrator.
type Outcome struct {
	Score    float64
	Findings []finding.Finding
	Passed   int
	Total    int
}

// Phase is one independent scan domain of an assessment.
type Phase interface {
	// Domain names the phase; it must be unique within a run.
	Domain() string
	// Run evaluates the domain. Errors and panics degrade only this phase.
	Run(ctx context.Context, scope provider.Scope) (Outcome, error)
}

// ControlDispatcher evaluates one control. *scanner.Dispatcher implements it.
type ControlDispatcher interface {
	Dispatch(ctx context.Context, controlID string, scope provider.Scope) []finding.Finding
}

// ControlPhase dispatches a list of controls.
type ControlPhase struct {
	domain     string
	dispatcher ControlDispatcher
	controls   []string
}

// NewControlPhase returns a phase evaluating controls through d.
func NewControlPhase(domain string, d ControlDispatcher, controls ...string) *ControlPhase {
	return &ControlPhase{domain: domain, dispatcher: d, controls: controls}
}

// Domain returns the phase name.
func (p *ControlPhase) Domain() string { return p.domain }

// Controls returns the control ids of the phase.
func (p *ControlPhase) Controls() []string { return append([]string(nil), p.controls...) }

// Run dispatches every control in order. A control passes when it has at
// least one Compliant finding and nothing that needs action; controls with
// only NotApplicable findings are not counted. The score is the share of
// passed controls, or NeutralScore when nothing could be evaluated.
func (p *ControlPhase) Run(ctx context.Context, scope provider.Scope) (Outcome, error) {
	var out Outcome
	for _, id := range p.controls {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		findings := p.dispatcher.Dispatch(ctx, id, scope)
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		out.Findings = append(out.Findings, findings...)

		switch controlStatus(findings) {
		case finding.Compliant:
			out.Passed++
			out.Total++
		case finding.NotApplicable:
		default:
			out.Total++
		}
	}
	out.Score = ratioScore(out.Passed, out.Total)
	return out, nil
}

// controlStatus folds the findings of one control into a single status.
func controlStatus(findings []finding.Finding) finding.Status {
	compliant := false
	for _, f := range findings {
		switch f.ComplianceStatus {
		case finding.Compliant:
			compliant = true
		case finding.NotApplicable:
		default:
			return f.ComplianceStatus
		}
	}
	if compliant {
		return finding.Compliant
	}
	return finding.NotApplicable
}

func ratioScore(passed, total int) float64 {
	if total == 0 {
		return NeutralScore
	}
	return float64(passed) / float64(total) * 100
}

// severityPenalty is deducted from 100 per open finding of a producer phase.
var severityPenalty = map[finding.Severity]float64{
	finding.Critical:      25,
	finding.High:          10,
	finding.Medium:        5,
	finding.Low:           2,
	finding.Informational: 0,
}

// ProducerPhase wraps a workspace finding producer.
type ProducerPhase struct {
	producer producer.Producer
}

// NewProducerPhase returns a phase named after the producer.
func NewProducerPhase(p producer.Producer) *ProducerPhase {
	return &ProducerPhase{producer: p}
}

// Domain returns the producer name.
func (p *ProducerPhase) Domain() string { return p.producer.Name() }

// Run collects the producer's findings and scores them by severity penalty.
func (p *ProducerPhase) Run(ctx context.Context, _ provider.Scope) (Outcome, error) {
	findings, err := p.producer.Produce(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Findings: findings, Total: len(findings), Score: 100}
	for _, f := range findings {
		if !f.ComplianceStatus.NeedsAction() {
			out.Passed++
			continue
		}
		out.Score -= severityPenalty[f.Severity]
	}
	out.Score = clamp(out.Score, 0, 100)
	return out, nil
}
