// Package snapshot captures a point-in-time copy of a cloud environment and
// serves it back as a provider.ResourceProvider for offline assessments.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// Snapshot is a point-in-time collection of resources, their properties and
// role assignments.
type Snapshot struct {
	// Provider identifies the cloud the data came from (e.g. "azure").
	Provider string `json:"provider" yaml:"provider"`
	// Scope is the boundary that was collected.
	Scope provider.Scope `json:"scope" yaml:"scope"`
	// CollectedAt is when the snapshot was taken.
	CollectedAt time.Time `json:"collected_at" yaml:"collected_at"`
	// CollectedBy identifies who/what initiated the collection.
	CollectedBy string `json:"collected_by" yaml:"collected_by"`
	// Resources lists the resources found in scope.
	Resources []provider.ResourceDescriptor `json:"resources" yaml:"resources"`
	// Properties maps resource ids (and "<id>/<sub-resource>" paths) to their
	// properties documents. Keys are lower-cased.
	Properties map[string]provider.Properties `json:"properties" yaml:"properties"`
	// RoleAssignments lists the role assignments that apply to scope.
	RoleAssignments []provider.RoleAssignment `json:"role_assignments" yaml:"role_assignments"`
	// Metadata contains additional information about the collection.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// New creates an empty snapshot.
func New(providerName string, scope provider.Scope) *Snapshot {
	return &Snapshot{
		Provider:    providerName,
		Scope:       scope,
		CollectedAt: time.Now().UTC(),
		CollectedBy: "closedcspm",
		Properties:  make(map[string]provider.Properties),
		Metadata:    make(map[string]string),
	}
}

// SetProperties records the properties of a resource or sub-resource path.
func (s *Snapshot) SetProperties(id string, props provider.Properties) {
	if s.Properties == nil {
		s.Properties = make(map[string]provider.Properties)
	}
	s.Properties[strings.ToLower(id)] = props
}

// PropertiesOf returns the recorded properties of id.
func (s *Snapshot) PropertiesOf(id string) (provider.Properties, bool) {
	props, ok := s.Properties[strings.ToLower(id)]
	return props, ok
}

// Load reads a snapshot from a JSON or YAML file, chosen by extension.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}

	var snap Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &snap)
	default:
		err = json.Unmarshal(data, &snap)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot file: %w", err)
	}

	// Normalize keys written by hand.
	props := make(map[string]provider.Properties, len(snap.Properties))
	for id, p := range snap.Properties {
		props[strings.ToLower(id)] = p
	}
	snap.Properties = props
	return &snap, nil
}

// Save writes the snapshot to a JSON file.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot file: %w", err)
	}
	return nil
}
