package catalog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	// userAgent is sent with every catalog request.
	userAgent = "ClosedCSPM-catalog/1.0"

	// maxCatalogSize limits catalog documents to 32MB.
	maxCatalogSize = 32 * 1024 * 1024

	maxRedirects     = 5
	defaultRateLimit = 2.0 // requests per second
)

// Source loads a complete catalog.
type Source interface {
	Fetch(ctx context.Context) (*Catalog, error)
}

// HTTPSource fetches the catalog document over HTTPS.
type HTTPSource struct {
	url         string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	credentials *clientcredentials.Config
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the hardened default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) HTTPOption {
	return func(s *HTTPSource) {
		if rps > 0 {
			s.rateLimiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithClientCredentials authenticates requests with an OAuth2
// client-credentials token, for private catalog mirrors.
func WithClientCredentials(cfg *clientcredentials.Config) HTTPOption {
	return func(s *HTTPSource) {
		s.credentials = cfg
	}
}

// NewHTTPSource returns a source for the catalog document at rawURL.
// Plain HTTP is only accepted for loopback hosts.
func NewHTTPSource(rawURL string, opts ...HTTPOption) (*HTTPSource, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("catalog URL is required")
	}
	if strings.HasPrefix(rawURL, "http://") && !isLoopback(rawURL) {
		return nil, fmt.Errorf("HTTP is not allowed; use HTTPS for catalog URL %q", rawURL)
	}
	if !strings.HasPrefix(rawURL, "https://") && !strings.HasPrefix(rawURL, "http://") {
		rawURL = "https://" + rawURL
	}

	s := &HTTPSource{
		url:         rawURL,
		httpClient:  hardenedClient(),
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.credentials != nil {
		base := context.WithValue(context.Background(), oauth2.HTTPClient, s.httpClient)
		authed := s.credentials.Client(base)
		authed.CheckRedirect = s.httpClient.CheckRedirect
		authed.Timeout = s.httpClient.Timeout
		s.httpClient = authed
	}
	return s, nil
}

func isLoopback(rawURL string) bool {
	host := strings.TrimPrefix(rawURL, "http://")
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return host == "localhost" || host == "127.0.0.1" || host == "[::1]"
}

// hardenedClient enforces TLS 1.2+ and same-host redirects.
func hardenedClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("exceeded maximum redirects (%d)", maxRedirects)
			}
			if len(via) > 0 && req.URL.Host != via[0].URL.Host {
				return fmt.Errorf("redirect to different host %q blocked", req.URL.Host)
			}
			return nil
		},
	}
}

// Fetch downloads, validates and decodes the catalog.
func (s *HTTPSource) Fetch(ctx context.Context) (*Catalog, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, &FetchError{Source: s.url, Kind: ErrTransient, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &FetchError{Source: s.url, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Source: s.url, Kind: ErrTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body)
		fe := &FetchError{
			Source:     s.url,
			StatusCode: resp.StatusCode,
			Err:        errors.New(sanitizeErrorBody(body)),
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			fe.Kind = ErrTransient
		}
		return nil, fe
	}

	data, err := readLimitedBody(resp.Body)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, &FetchError{Source: s.url, Kind: ErrDataIntegrity, Err: err}
		}
		return nil, &FetchError{Source: s.url, Kind: ErrTransient, Err: err}
	}

	cat, err := Decode(data, OriginRemote)
	if err != nil {
		return nil, &FetchError{Source: s.url, Kind: ErrDataIntegrity, Err: err}
	}
	return cat, nil
}

// FileSource reads the offline fallback catalog from disk.
type FileSource struct {
	path string
}

// NewFileSource returns a source for the catalog document at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch reads and decodes the file. The result is tagged as a fallback.
func (s *FileSource) Fetch(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &FetchError{Source: s.path, Err: err}
	}
	if len(data) > maxCatalogSize {
		return nil, &FetchError{Source: s.path, Kind: ErrDataIntegrity, Err: errBodyTooLarge}
	}
	cat, err := Decode(data, OriginFallback)
	if err != nil {
		return nil, &FetchError{Source: s.path, Kind: ErrDataIntegrity, Err: err}
	}
	return cat, nil
}

var errBodyTooLarge = errors.New("catalog document exceeds maximum allowed size")

func readLimitedBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxCatalogSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxCatalogSize {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// sanitizeErrorBody truncates response bodies quoted in errors.
func sanitizeErrorBody(body []byte) string {
	const maxErrorBodyLen = 256
	s := string(body)
	if len(s) > maxErrorBodyLen {
		s = s[:maxErrorBodyLen] + "...(truncated)"
	}
	return s
}

// StaticSource decodes a catalog document held in memory, such as the
// bundled baseline.
type StaticSource struct {
	data   []byte
	origin Origin
}

// NewStaticSource returns a source over data.
func NewStaticSource(data []byte, origin Origin) *StaticSource {
	return &StaticSource{data: data, origin: origin}
}

// Fetch decodes the document.
func (s *StaticSource) Fetch(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cat, err := Decode(s.data, s.origin)
	if err != nil {
		return nil, &FetchError{Source: "embedded", Kind: ErrDataIntegrity, Err: err}
	}
	return cat, nil
}
