package snapshot

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

const storageID = "/subscriptions/00000000-0000-0000-0000-000000000001/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/logs"

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) ListResources(ctx context.Context, scope provider.Scope) ([]provider.ResourceDescriptor, error) {
	args := m.Called(ctx, scope)
	res, _ := args.Get(0).([]provider.ResourceDescriptor)
	return res, args.Error(1)
}

func (m *mockProvider) GetResourceProperties(ctx context.Context, id string) (provider.Properties, error) {
	args := m.Called(ctx, id)
	props, _ := args.Get(0).(provider.Properties)
	return props, args.Error(1)
}

func (m *mockProvider) GetRoleAssignments(ctx context.Context, scope provider.Scope) ([]provider.RoleAssignment, error) {
	args := m.Called(ctx, scope)
	ras, _ := args.Get(0).([]provider.RoleAssignment)
	return ras, args.Error(1)
}

var testScope = provider.Scope{Kind: provider.ScopeSubscription, ID: "00000000-0000-0000-0000-000000000001"}

func TestLoadYAML(t *testing.T) {
	snap, err := Load("testdata/snapshot.yaml")
	require.NoError(t, err)

	assert.Equal(t, "azure", snap.Provider)
	require.Len(t, snap.Resources, 1)

	props, ok := snap.PropertiesOf(storageID)
	require.True(t, ok, "property keys are case-insensitive")
	v, ok := props.Lookup("properties.minimumTlsVersion")
	require.True(t, ok)
	assert.Equal(t, "TLS1_0", v)
}

func TestProviderServesSnapshot(t *testing.T) {
	snap, err := Load("testdata/snapshot.yaml")
	require.NoError(t, err)
	p := NewProvider(snap)
	ctx := context.Background()

	res, err := p.ListResources(ctx, testScope)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	_, err = p.GetResourceProperties(ctx, storageID+"/providers/Microsoft.Insights/diagnosticSettings")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	ras, err := p.GetRoleAssignments(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, "Owner", ras[0].RoleName)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.ListResources(canceled, testScope)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollect(t *testing.T) {
	m := &mockProvider{}
	resources := []provider.ResourceDescriptor{
		{ID: storageID, Name: "logs", Type: "Microsoft.Storage/storageAccounts"},
		{ID: "/subscriptions/s/vm1", Name: "vm1", Type: "Microsoft.Compute/virtualMachines"},
	}
	m.On("ListResources", mock.Anything, testScope).Return(resources, nil)
	m.On("GetRoleAssignments", mock.Anything, testScope).Return(nil,
		provider.NewError("get_role_assignments", "", http.StatusForbidden, errors.New("denied")))
	m.On("GetResourceProperties", mock.Anything, storageID).Return(provider.Properties{"kind": "StorageV2"}, nil)
	m.On("GetResourceProperties", mock.Anything, storageID+"/providers/Microsoft.Insights/diagnosticSettings").
		Return(nil, provider.NewError("get_properties", "", http.StatusNotFound, nil))
	m.On("GetResourceProperties", mock.Anything, "/subscriptions/s/vm1").
		Return(nil, provider.NewError("get_properties", "", http.StatusServiceUnavailable, nil))

	snap, err := Collect(context.Background(), m, testScope, CollectOptions{
		Concurrency: 2,
		SubResources: map[string][]string{
			"microsoft.storage/storageaccounts": {"/providers/Microsoft.Insights/diagnosticSettings"},
		},
	})
	require.NoError(t, err)
	m.AssertExpectations(t)

	assert.Equal(t, "mock", snap.Provider)
	assert.Len(t, snap.Resources, 2)
	_, ok := snap.PropertiesOf(storageID)
	assert.True(t, ok)
	_, ok = snap.PropertiesOf("/subscriptions/s/vm1")
	assert.False(t, ok)
	assert.Equal(t, "1 property queries had errors", snap.Metadata["collection_warnings"])
	assert.Contains(t, snap.Metadata["role_assignment_error"], "denied")

	// Role assignment failures survive the round trip.
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, snap.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	_, err = NewProvider(loaded).GetRoleAssignments(context.Background(), testScope)
	assert.ErrorIs(t, err, provider.ErrAuthorization)
}

func TestCollectFailsWhenListingFails(t *testing.T) {
	m := &mockProvider{}
	m.On("ListResources", mock.Anything, testScope).Return(nil, errors.New("unreachable"))

	_, err := Collect(context.Background(), m, testScope, CollectOptions{})
	assert.Error(t, err)

	_, err = Collect(context.Background(), m, provider.Scope{}, CollectOptions{})
	assert.Error(t, err)
}
