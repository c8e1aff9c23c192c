// Package producer supplies findings from sources other than the control
// dispatcher, such as code, secret or dependency scanners run against a
// workspace. Producers read normalized finding files; they never run the
// scanners themselves.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

// maxFileSize bounds finding files read from disk.
const maxFileSize = 32 << 20

// Producer yields the findings of one workspace scan domain.
type Producer interface {
	// Name returns the scan domain, e.g. "secrets".
	Name() string
	// Produce returns the findings of the domain.
	Produce(ctx context.Context) ([]finding.Finding, error)
}

// Record is one finding in a normalized finding file.
type Record struct {
	ID             string            `json:"id" yaml:"id"`
	Title          string            `json:"title" yaml:"title"`
	Description    string            `json:"description" yaml:"description"`
	Severity       string            `json:"severity" yaml:"severity"`
	Status         string            `json:"status" yaml:"status"`
	Type           string            `json:"type" yaml:"type"`
	ResourceID     string            `json:"resource_id" yaml:"resource_id"`
	ResourceType   string            `json:"resource_type" yaml:"resource_type"`
	Controls       []string          `json:"controls" yaml:"controls"`
	Recommendation string            `json:"recommendation" yaml:"recommendation"`
	DetectedAt     *time.Time        `json:"detected_at,omitempty" yaml:"detected_at,omitempty"`
	Metadata       map[string]string `json:"metadata" yaml:"metadata"`
}

// File is the top-level structure of a finding file.
type File struct {
	Tool     string   `json:"tool" yaml:"tool"`
	Findings []Record `json:"findings" yaml:"findings"`
}

// FileProducer reads findings from a JSON or YAML file.
type FileProducer struct {
	domain      string
	path        string
	defaultType finding.Type
}

// NewFileProducer returns a producer for the domain backed by path. Records
// without a type get defaultType.
func NewFileProducer(domain, path string, defaultType finding.Type) *FileProducer {
	if defaultType == "" {
		defaultType = finding.TypeOther
	}
	return &FileProducer{domain: domain, path: path, defaultType: defaultType}
}

// Name returns the scan domain.
func (p *FileProducer) Name() string { return p.domain }

// Produce reads and converts the file.
func (p *FileProducer) Produce(ctx context.Context) ([]finding.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("reading findings file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("findings file %s exceeds %d bytes", p.path, maxFileSize)
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("reading findings file: %w", err)
	}
	file, err := Decode(data, filepath.Ext(p.path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.path, err)
	}
	return Convert(file, p.domain, p.defaultType)
}

// Decode parses a finding file. JSON is used for ".json", YAML otherwise.
// A bare list of records is accepted as well.
func Decode(data []byte, ext string) (File, error) {
	var file File
	trimmed := strings.TrimSpace(string(data))
	bare := strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "- ")

	var target interface{} = &file
	if bare {
		target = &file.Findings
	}
	var err error
	if strings.EqualFold(ext, ".json") {
		err = json.Unmarshal(data, target)
	} else {
		err = yaml.Unmarshal(data, target)
	}
	if err != nil {
		return File{}, err
	}
	return file, nil
}

// Convert builds findings from records. Unknown severities are an error;
// missing statuses default to NonCompliant.
func Convert(file File, domain string, defaultType finding.Type) ([]finding.Finding, error) {
	out := make([]finding.Finding, 0, len(file.Findings))
	for i, r := range file.Findings {
		if strings.TrimSpace(r.Title) == "" {
			return nil, fmt.Errorf("finding %d: title is required", i)
		}
		sev, ok := finding.ParseSeverity(r.Severity)
		if !ok {
			return nil, fmt.Errorf("finding %d (%s): invalid severity %q", i, r.Title, r.Severity)
		}
		status, err := parseStatus(r.Status)
		if err != nil {
			return nil, fmt.Errorf("finding %d (%s): %w", i, r.Title, err)
		}
		typ := defaultType
		if r.Type != "" {
			if typ, ok = finding.ParseType(r.Type); !ok {
				return nil, fmt.Errorf("finding %d (%s): invalid type %q", i, r.Title, r.Type)
			}
		}

		opts := []finding.Option{
			finding.WithType(typ),
			finding.WithResource(r.ResourceID, r.ResourceType),
			finding.WithDescription(r.Description),
			finding.WithRecommendation(r.Recommendation),
			finding.WithControls(r.Controls...),
			finding.WithMeta("producer", domain),
		}
		if r.ID != "" {
			opts = append(opts, finding.WithID(r.ID))
		}
		if r.DetectedAt != nil {
			opts = append(opts, finding.WithDetectedAt(r.DetectedAt.UTC()))
		}
		if file.Tool != "" {
			opts = append(opts, finding.WithMeta("tool", file.Tool))
		}
		for k, v := range r.Metadata {
			opts = append(opts, finding.WithMeta(k, v))
		}
		out = append(out, finding.New(r.Title, sev, status, opts...))
	}
	return out, nil
}

func parseStatus(s string) (finding.Status, error) {
	if strings.TrimSpace(s) == "" {
		return finding.NonCompliant, nil
	}
	for _, st := range []finding.Status{
		finding.Compliant,
		finding.NonCompliant,
		finding.ManualReviewRequired,
		finding.NotApplicable,
		finding.PartiallyCompliant,
	} {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Static returns a producer with fixed findings.
func Static(domain string, findings ...finding.Finding) Producer {
	return staticProducer{domain: domain, findings: findings}
}

type staticProducer struct {
	domain   string
	findings []finding.Finding
}

func (s staticProducer) Name() string { return s.domain }

func (s staticProducer) Produce(ctx context.Context) ([]finding.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]finding.Finding, len(s.findings))
	for i, f := range s.findings {
		out[i] = f.Clone()
	}
	return out, nil
}
