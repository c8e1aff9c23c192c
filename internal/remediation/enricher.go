package remediation

import (
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/advisory"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

// RunbookSource renders advisory text for a finding. *advisory.Library
// implements it.
type RunbookSource interface {
	Render(f finding.Finding) (advisory.Runbook, string, bool)
}

// Runbook is the rendered advisory attached to an enriched finding.
type Runbook struct {
	RuleID string `json:"rule_id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// Enriched is a finding with its remediation classification.
type Enriched struct {
	finding.Finding
	Remediation Classification `json:"remediation"`
	Runbook     *Runbook       `json:"runbook,omitempty"`
}

// Enricher classifies findings and attaches runbooks.
type Enricher struct {
	classifier *Classifier
	runbooks   RunbookSource
	logger     *zap.Logger
}

// NewEnricher builds an Enricher. runbooks may be nil.
func NewEnricher(classifier *Classifier, runbooks RunbookSource, logger *zap.Logger) *Enricher {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{classifier: classifier, runbooks: runbooks, logger: logger.Named("remediation")}
}

// Enrich returns new values for findings; the input is not modified.
// IsAutoRemediable is set from the classification.
func (e *Enricher) Enrich(findings []finding.Finding) []Enriched {
	out := make([]Enriched, 0, len(findings))
	auto := 0
	for _, f := range findings {
		en := e.EnrichOne(f)
		if en.IsAutoRemediable {
			auto++
		}
		out = append(out, en)
	}
	e.logger.Debug("findings enriched", zap.Int("count", len(out)), zap.Int("auto_remediable", auto))
	return out
}

// EnrichOne classifies a single finding.
func (e *Enricher) EnrichOne(f finding.Finding) Enriched {
	cl := e.classifier.Classify(f)
	en := Enriched{
		Finding:     f.WithAutoRemediable(cl.IsAutoRemediable),
		Remediation: cl,
	}
	if e.runbooks != nil && f.ComplianceStatus.NeedsAction() {
		if rb, text, ok := e.runbooks.Render(f); ok {
			en.Runbook = &Runbook{RuleID: rb.RuleID, Title: rb.Title, Text: text}
		}
	}
	return en
}
