package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeValidate(t *testing.T) {
	tests := []struct {
		scope   Scope
		wantErr bool
	}{
		{Scope{Kind: ScopeSubscription, ID: "00000000-0000-0000-0000-000000000001"}, false},
		{Scope{Kind: ScopeResourceGroup, ID: "sub/rg-prod"}, false},
		{Scope{Kind: ScopeResourceGroup, ID: "rg-prod"}, true},
		{Scope{Kind: ScopeProject, ID: "my-project"}, false},
		{Scope{Kind: ScopeProject, ID: "  "}, true},
		{Scope{ID: "x"}, true},
		{Scope{Kind: "tenant", ID: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.scope.String(), func(t *testing.T) {
			err := tt.scope.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("Project:my-project")
	require.NoError(t, err)
	assert.Equal(t, Scope{Kind: ScopeProject, ID: "my-project"}, s)

	_, err = ParseScope("my-project")
	assert.Error(t, err)
}

func TestPropertiesLookup(t *testing.T) {
	props := Properties{
		"properties": map[string]interface{}{
			"minimumTlsVersion": "TLS1_2",
			"encryption": map[string]interface{}{
				"services": map[string]interface{}{
					"blob": map[string]interface{}{"enabled": true},
				},
			},
			"ipRules": []interface{}{
				map[string]interface{}{"value": "10.0.0.0/8"},
			},
		},
	}

	v, ok := props.Lookup("properties.minimumTlsVersion")
	require.True(t, ok)
	assert.Equal(t, "TLS1_2", v)

	v, ok = props.Lookup("properties.encryption.services.blob.enabled")
	require.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = props.Lookup("Properties.MinimumTLSVersion")
	require.True(t, ok, "keys fall back to case-insensitive match")
	assert.Equal(t, "TLS1_2", v)

	v, ok = props.Lookup("properties.ipRules.0.value")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0/8", v)

	_, ok = props.Lookup("properties.ipRules.3.value")
	assert.False(t, ok)
	_, ok = props.Lookup("properties.missing")
	assert.False(t, ok)
	_, ok = props.Lookup("properties.minimumTlsVersion.deeper")
	assert.False(t, ok)
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{0, ErrTransient},
		{http.StatusUnauthorized, ErrAuthorization},
		{http.StatusForbidden, ErrAuthorization},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.code), "status %d", tt.code)
	}
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("AuthorizationFailed")
	err := fmt.Errorf("checking storage: %w", NewError("get_properties", "/subscriptions/s/x", http.StatusForbidden, cause))

	assert.ErrorIs(t, err, ErrAuthorization)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "status 403")

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "get_properties", pe.Op)

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(NewError("list_resources", "", http.StatusServiceUnavailable, nil)))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Contains(t, Describe(NewError("get_properties", "r", 403, nil)), "permission denied")
	assert.Contains(t, Describe(NewError("get_properties", "r", 404, nil)), "not found")
	assert.Contains(t, Describe(fmt.Errorf("x: %w", context.DeadlineExceeded)), "timed out")
	assert.Contains(t, Describe(NewError("list_resources", "", 503, nil)), "unreachable")
	assert.Contains(t, Describe(errors.New("weird")), "unexpected")
}
