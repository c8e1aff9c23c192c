package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

const (
	subID     = "00000000-0000-0000-0000-000000000001"
	storageID = "/subscriptions/" + subID + "/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/logs"
	vaultID   = "/subscriptions/" + subID + "/resourceGroups/rg/providers/Microsoft.KeyVault/vaults/kv"
	ownerDef  = "/subscriptions/" + subID + "/providers/Microsoft.Authorization/roleDefinitions/8e3af657-a8ff-443c-a75c-2fe8c4bcb635"
)

type fakeCredential struct{}

func (fakeCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func armError(code string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"code": code, "message": code}}
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		version := r.URL.Query().Get("api-version")

		switch r.URL.Path {
		case "/subscriptions/" + subID + "/resources":
			if r.URL.Query().Get("$skiptoken") == "" {
				assert.Equal(t, "2021-04-01", version)
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"value":    []interface{}{map[string]interface{}{"id": storageID, "name": "logs", "type": "Microsoft.Storage/storageAccounts", "location": "westeurope"}},
					"nextLink": srv.URL + "/subscriptions/" + subID + "/resources?api-version=2021-04-01&$skiptoken=2",
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"value": []interface{}{map[string]interface{}{"id": vaultID, "name": "kv", "type": "Microsoft.KeyVault/vaults"}},
			})
		case storageID:
			assert.Equal(t, "2023-01-01", version)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"properties": map[string]interface{}{"minimumTlsVersion": "TLS1_2"},
			})
		case storageID + "/providers/Microsoft.Insights/diagnosticSettings":
			assert.Equal(t, "2021-05-01-preview", version)
			writeJSON(w, http.StatusNotFound, armError("ResourceNotFound"))
		case vaultID:
			writeJSON(w, http.StatusForbidden, armError("AuthorizationFailed"))
		case "/subscriptions/" + subID + "/resourceGroups/down/resources":
			writeJSON(w, http.StatusServiceUnavailable, armError("ServiceUnavailable"))
		case "/subscriptions/" + subID + "/providers/Microsoft.Authorization/roleAssignments":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"value": []interface{}{map[string]interface{}{
					"id": "ra-1",
					"properties": map[string]interface{}{
						"roleDefinitionId": ownerDef,
						"principalId":      "p-1",
						"principalType":    "User",
						"scope":            "/subscriptions/" + subID,
					},
				}},
			})
		case ownerDef:
			writeJSON(w, http.StatusOK, map[string]interface{}{"properties": map[string]interface{}{"roleName": "Owner"}})
		default:
			writeJSON(w, http.StatusNotFound, armError("NotFound"))
		}
	}))
	t.Cleanup(srv.Close)

	opts := &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Cloud: cloud.Configuration{
				ActiveDirectoryAuthorityHost: "https://login.example.com/",
				Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
					cloud.ResourceManager: {Audience: "https://management.example.com/", Endpoint: srv.URL},
				},
			},
			Transport: srv.Client(),
			Retry:     policy.RetryOptions{MaxRetries: -1},
		},
		DisableRPRegistration: true,
	}

	p, err := New(fakeCredential{}, Options{RateLimit: 1000, ClientOptions: opts}, nil)
	require.NoError(t, err)
	return p
}

var subScope = provider.Scope{Kind: provider.ScopeSubscription, ID: subID}

func TestListResourcesFollowsNextLink(t *testing.T) {
	p := newTestProvider(t)

	res, err := p.ListResources(context.Background(), subScope)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "logs", res[0].Name)
	assert.Equal(t, "Microsoft.KeyVault/vaults", res[1].Type)
}

func TestGetResourceProperties(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	props, err := p.GetResourceProperties(ctx, storageID)
	require.NoError(t, err)
	v, ok := props.Lookup("properties.minimumTlsVersion")
	require.True(t, ok)
	assert.Equal(t, "TLS1_2", v)

	_, err = p.GetResourceProperties(ctx, storageID+"/providers/Microsoft.Insights/diagnosticSettings")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	_, err = p.GetResourceProperties(ctx, vaultID)
	assert.ErrorIs(t, err, provider.ErrAuthorization)

	_, err = p.GetResourceProperties(ctx, "not-an-id")
	assert.Error(t, err)
}

func TestTransientErrors(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.ListResources(context.Background(), provider.Scope{Kind: provider.ScopeResourceGroup, ID: subID + "/down"})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestGetRoleAssignmentsResolvesNames(t *testing.T) {
	p := newTestProvider(t)

	ras, err := p.GetRoleAssignments(context.Background(), subScope)
	require.NoError(t, err)
	require.Len(t, ras, 1)
	assert.Equal(t, "Owner", ras[0].RoleName)
	assert.Equal(t, provider.PrincipalUser, ras[0].PrincipalType)

	// Cached after the first lookup.
	assert.Equal(t, "Owner", p.roleNames[ownerDef])
}

func TestUnsupportedScope(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.ListResources(context.Background(), provider.Scope{Kind: provider.ScopeProject, ID: "x"})
	assert.Error(t, err)
}

func TestParseResourceType(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{storageID, "Microsoft.Storage/storageAccounts"},
		{storageID + "/providers/Microsoft.Insights/diagnosticSettings", "Microsoft.Insights/diagnosticSettings"},
		{"/subscriptions/s/resourceGroups/rg/providers/Microsoft.Sql/servers/db1/auditingSettings/default", "Microsoft.Sql/servers/auditingSettings"},
		{"/subscriptions/s/resourceGroups/rg", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseResourceType(tt.id), tt.id)
	}

	assert.Equal(t, "2023-07-01", apiVersionFor(vaultID, nil))
	assert.Equal(t, "2099-01-01", apiVersionFor(vaultID, map[string]string{"microsoft.keyvault/vaults": "2099-01-01"}))
	assert.Equal(t, defaultAPIVersion, apiVersionFor("/subscriptions/s/resourceGroups/rg/providers/Contoso.Widgets/widgets/w", nil))
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(`[default]
subscription = `+subID+`
tenant = tenant-1

[prod]
tenant = tenant-2
`), 0o600))

	prof, err := LoadProfile(path, "")
	require.NoError(t, err)
	assert.Equal(t, subID, prof.SubscriptionID)
	assert.Equal(t, "tenant-1", prof.TenantID)

	_, err = LoadProfile(path, "prod")
	assert.Error(t, err, "profile without a subscription")

	_, err = LoadProfile(path, "missing")
	assert.Error(t, err)
}
