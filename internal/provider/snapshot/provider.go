package snapshot

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

// envHelp describes how the snapshot provider is configured.
const envHelp = `Snapshot provider (offline assessment of a collected snapshot):
  CLOSEDCSPM_PROVIDERS_SNAPSHOT_PATH - Path to a snapshot file (.json, .yaml)`

func init() {
	provider.Register("snapshot", newFromConfig, envHelp)
}

func newFromConfig(cfg *viper.Viper, logger *zap.Logger) (provider.ResourceProvider, error) {
	path := cfg.GetString("path")
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded snapshot",
		zap.String("path", path),
		zap.String("source_provider", snap.Provider),
		zap.Int("resources", len(snap.Resources)))
	return NewProvider(snap), nil
}

// Provider serves a Snapshot through the provider.ResourceProvider interface.
type Provider struct {
	snap *Snapshot
}

// NewProvider wraps snap.
func NewProvider(snap *Snapshot) *Provider {
	return &Provider{snap: snap}
}

// Name returns "snapshot".
func (p *Provider) Name() string { return "snapshot" }

// ListResources returns the recorded resources.
func (p *Provider) ListResources(ctx context.Context, _ provider.Scope) ([]provider.ResourceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.snap.Resources, nil
}

// GetResourceProperties returns recorded properties, or a not-found error.
func (p *Provider) GetResourceProperties(ctx context.Context, resourceID string) (provider.Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props, ok := p.snap.PropertiesOf(resourceID)
	if !ok {
		return nil, provider.NewError("get_properties", resourceID, http.StatusNotFound, errors.New("not in snapshot"))
	}
	return props, nil
}

// GetRoleAssignments returns the recorded role assignments. If the
// collection could not read them, the original failure is reported as an
// authorization error.
func (p *Provider) GetRoleAssignments(ctx context.Context, _ provider.Scope) ([]provider.RoleAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg, ok := p.snap.Metadata["role_assignment_error"]; ok {
		return nil, provider.NewError("get_role_assignments", "", http.StatusForbidden, errors.New(msg))
	}
	return p.snap.RoleAssignments, nil
}
