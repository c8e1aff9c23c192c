package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveCatalog(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSourceFetch(t *testing.T) {
	data, err := os.ReadFile("testdata/catalog.json")
	require.NoError(t, err)

	srv := serveCatalog(t, http.StatusOK, data)
	src, err := NewHTTPSource(srv.URL, WithRateLimit(100))
	require.NoError(t, err)

	cat, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.1.1", cat.Version)
	assert.Equal(t, OriginRemote, cat.Origin)
}

func TestHTTPSourceErrorKinds(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantIntegrity bool
	}{
		{"server error", http.StatusServiceUnavailable, "down", true, false},
		{"throttled", http.StatusTooManyRequests, "slow down", true, false},
		{"not found", http.StatusNotFound, "missing", false, false},
		{"forbidden", http.StatusForbidden, "no", false, false},
		{"malformed", http.StatusOK, `{"catalog": 1}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveCatalog(t, tt.status, []byte(tt.body))
			src, err := NewHTTPSource(srv.URL, WithRateLimit(100))
			require.NoError(t, err)

			_, err = src.Fetch(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, tt.wantIntegrity, isIntegrity(err))

			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			if tt.status != http.StatusOK {
				assert.Equal(t, tt.status, fe.StatusCode)
			}
		})
	}
}

func TestNewHTTPSourceRejectsPlainHTTP(t *testing.T) {
	_, err := NewHTTPSource("http://catalog.example.com/nist.json")
	assert.Error(t, err)

	_, err = NewHTTPSource("")
	assert.Error(t, err)

	src, err := NewHTTPSource("catalog.example.com/nist.json")
	require.NoError(t, err)
	assert.Equal(t, "https://catalog.example.com/nist.json", src.url)

	_, err = NewHTTPSource("http://localhost:8080/catalog.json")
	assert.NoError(t, err)
}

func TestFileSource(t *testing.T) {
	cat, err := NewFileSource("testdata/catalog.json").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OriginFallback, cat.Origin)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.json")).Fetch(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o600))
	_, err = NewFileSource(bad).Fetch(context.Background())
	assert.True(t, isIntegrity(err))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("http://127.0.0.1:4321/catalog"))
	assert.True(t, isLoopback("http://localhost/catalog"))
	assert.True(t, isLoopback("http://[::1]:80/x"))
	assert.False(t, isLoopback("http://10.0.0.1/catalog"))
}
