// Package advisory holds the remediation runbooks attached to findings,
// keyed by rule id. Built-in runbooks are embedded; an override directory
// can replace or extend them and is reloaded when it changes.
package advisory

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/policies"
)

const reloadDebounce = 300 * time.Millisecond

// Runbook is the advisory text for one rule.
type Runbook struct {
	RuleID string `yaml:"rule_id" json:"rule_id"`
	Title  string `yaml:"title" json:"title"`
	Body   string `yaml:"body" json:"body"`

	tmpl *template.Template
}

type runbookFile struct {
	Runbooks []Runbook `yaml:"runbooks"`
}

// Data is what runbook templates see.
type Data struct {
	ResourceID   string
	ResourceName string
	ResourceType string
	Title        string
	Description  string
	Severity     finding.Severity
	Controls     string
}

// DataFor builds template data from a finding.
func DataFor(f finding.Finding) Data {
	name := f.Meta("resource_name")
	if name == "" {
		name = f.ResourceID
		if i := strings.LastIndex(name, "/"); i >= 0 && i < len(name)-1 {
			name = name[i+1:]
		}
	}
	return Data{
		ResourceID:   f.ResourceID,
		ResourceName: name,
		ResourceType: f.ResourceType,
		Title:        f.Title,
		Description:  f.Description,
		Severity:     f.Severity,
		Controls:     strings.Join(f.AffectedControls, ", "),
	}
}

// Load reads every runbook YAML file below root in fsys.
func Load(fsys fs.FS, root string) (map[string]Runbook, error) {
	out := make(map[string]Runbook)
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(path.Ext(p))
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading runbook file %s: %w", p, err)
		}
		var file runbookFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parsing runbook file %s: %w", p, err)
		}
		for _, rb := range file.Runbooks {
			if rb.RuleID == "" {
				return fmt.Errorf("runbook without rule_id in %s", p)
			}
			tmpl, err := template.New(rb.RuleID).Option("missingkey=zero").Parse(rb.Body)
			if err != nil {
				return fmt.Errorf("runbook %s in %s: %w", rb.RuleID, p, err)
			}
			rb.tmpl = tmpl
			out[rb.RuleID] = rb
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Option configures a Library.
type Option func(*Library)

// WithOverrideDir layers runbooks from dir over the embedded ones.
func WithOverrideDir(dir string) Option {
	return func(l *Library) { l.dir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Library is a concurrency-safe runbook table.
type Library struct {
	mu       sync.RWMutex
	runbooks map[string]Runbook
	builtin  map[string]Runbook
	dir      string
	logger   *zap.Logger
}

// New loads the embedded runbooks and, when configured, the override dir.
func New(opts ...Option) (*Library, error) {
	l := &Library{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("advisory")

	builtin, err := Load(policies.Runbooks, "runbooks")
	if err != nil {
		return nil, fmt.Errorf("loading built-in runbooks: %w", err)
	}
	l.builtin = builtin
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the override directory. On error the current table is
// kept.
func (l *Library) Reload() error {
	merged := make(map[string]Runbook, len(l.builtin))
	for k, v := range l.builtin {
		merged[k] = v
	}
	if l.dir != "" {
		overrides, err := Load(os.DirFS(l.dir), ".")
		if err != nil {
			return fmt.Errorf("loading runbooks from %s: %w", l.dir, err)
		}
		for k, v := range overrides {
			merged[k] = v
		}
	}

	l.mu.Lock()
	l.runbooks = merged
	l.mu.Unlock()
	l.logger.Debug("runbooks loaded", zap.Int("count", len(merged)), zap.String("dir", l.dir))
	return nil
}

// Len returns the number of runbooks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.runbooks)
}

// Lookup returns the runbook for ruleID.
func (l *Library) Lookup(ruleID string) (Runbook, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rb, ok := l.runbooks[ruleID]
	return rb, ok
}

// Render returns the runbook text for f, selected by its rule_id metadata.
func (l *Library) Render(f finding.Finding) (Runbook, string, bool) {
	rb, ok := l.Lookup(f.Meta("rule_id"))
	if !ok {
		return Runbook{}, "", false
	}
	var buf bytes.Buffer
	if err := rb.tmpl.Execute(&buf, DataFor(f)); err != nil {
		l.logger.Warn("runbook render failed", zap.String("rule", rb.RuleID), zap.Error(err))
		return rb, rb.Body, true
	}
	return rb, buf.String(), true
}

// Watch reloads the override directory whenever it changes, until ctx is
// done. It returns immediately when no directory is configured.
func (l *Library) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		if err := l.Reload(); err != nil {
			l.logger.Warn("runbook reload failed, keeping previous runbooks", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("watch error", zap.Error(err))
		}
	}
}
