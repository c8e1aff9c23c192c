package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/PiotrMackowski/ClosedCSPM/internal/metrics"
	"github.com/PiotrMackowski/ClosedCSPM/internal/retry"
)

// ResultSource is the provenance of a Result.
type ResultSource string

const (
	SourceRemote   ResultSource = "remote"
	SourceCache    ResultSource = "cache"
	SourceFallback ResultSource = "fallback"
	SourceNone     ResultSource = "none"
)

// Result is the outcome of a catalog lookup. Catalog is nil when both the
// remote and the fallback source failed and nothing was cached.
type Result struct {
	Catalog *Catalog
	Source  ResultSource
	// Stale is set when an expired entry was served because a refresh failed.
	Stale bool
	// Err is the last refresh error, kept for diagnostics.
	Err error
}

// Degraded reports whether no catalog is available.
func (r Result) Degraded() bool {
	return r.Catalog == nil
}

var errNoRemote = errors.New("no remote catalog source configured")

// CacheConfig holds the cache and retry settings.
type CacheConfig struct {
	AbsoluteTTL    time.Duration
	SlidingTTL     time.Duration
	FallbackTTL    time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultCacheConfig returns the settings used when none are configured.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		AbsoluteTTL:    24 * time.Hour,
		SlidingTTL:     4 * time.Hour,
		FallbackTTL:    5 * time.Minute,
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithFallback sets the offline source used when the remote fails.
func WithFallback(s Source) CacheOption {
	return func(c *Cache) { c.fallback = s }
}

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

type entry struct {
	catalog    *Catalog
	storedAt   time.Time
	ttl        time.Duration
	lastAccess atomic.Int64 // unix nanos
}

// Cache serves the catalog from memory and refreshes it from the remote
// source, falling back to the offline source. Concurrent misses share one
// refresh. A Cache is safe for concurrent use.
type Cache struct {
	remote   Source
	fallback Source
	cfg      CacheConfig
	policy   *retry.Policy
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	entry *entry

	group singleflight.Group
}

// NewCache builds a cache over remote. Zero config fields take defaults.
func NewCache(remote Source, cfg CacheConfig, opts ...CacheOption) *Cache {
	def := DefaultCacheConfig()
	if cfg.AbsoluteTTL <= 0 {
		cfg.AbsoluteTTL = def.AbsoluteTTL
	}
	if cfg.SlidingTTL <= 0 || cfg.SlidingTTL > cfg.AbsoluteTTL {
		cfg.SlidingTTL = min(def.SlidingTTL, cfg.AbsoluteTTL)
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = def.FallbackTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	c := &Cache{
		remote: remote,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("catalog")
	c.policy = retry.New(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithInitialDelay(cfg.InitialBackoff),
		retry.WithMaxDelay(cfg.MaxBackoff),
		retry.WithAttemptTimeout(cfg.AttemptTimeout),
		retry.WithRetryIf(IsTransient),
		retry.WithLogger(c.logger),
	)
	return c
}

// Catalog returns the cached catalog, refreshing it when expired or when
// forceRefresh is set. It never returns an error: when nothing can be
// loaded the Result is degraded. If ctx is done while waiting on a refresh,
// the current entry (or a degraded result) is returned and the refresh
// continues for other callers.
func (c *Cache) Catalog(ctx context.Context, forceRefresh bool) Result {
	if !forceRefresh {
		if cat, ok := c.fresh(); ok {
			metrics.RecordCacheLookup("hit")
			return Result{Catalog: cat, Source: SourceCache}
		}
	}
	metrics.RecordCacheLookup("miss")

	ch := c.group.DoChan("catalog", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx)), nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		if cat := c.current(); cat != nil {
			return Result{Catalog: cat, Source: SourceCache, Stale: true, Err: ctx.Err()}
		}
		return Result{Source: SourceNone, Err: ctx.Err()}
	}
}

// Control looks up a control in the current catalog.
func (c *Cache) Control(ctx context.Context, id string) (Control, bool) {
	res := c.Catalog(ctx, false)
	if res.Degraded() {
		return Control{}, false
	}
	return res.Catalog.Control(id)
}

// ControlsByFamily lists the controls of a family in the current catalog.
func (c *Cache) ControlsByFamily(ctx context.Context, prefix string) []Control {
	res := c.Catalog(ctx, false)
	if res.Degraded() {
		return nil
	}
	return res.Catalog.ByFamily(prefix)
}

// Search searches the current catalog.
func (c *Cache) Search(ctx context.Context, term string) []Control {
	res := c.Catalog(ctx, false)
	if res.Degraded() {
		return nil
	}
	return res.Catalog.Search(term)
}

// Invalidate drops the cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

// fresh returns the cached catalog if it is within both TTLs and records
// the access for the sliding window.
func (c *Cache) fresh() (*Catalog, bool) {
	c.mu.RLock()
	e := c.entry
	c.mu.RUnlock()
	if e == nil {
		return nil, false
	}

	now := c.now()
	if !now.Before(e.storedAt.Add(e.ttl)) {
		return nil, false
	}
	last := time.Unix(0, e.lastAccess.Load())
	if !now.Before(last.Add(c.cfg.SlidingTTL)) {
		return nil, false
	}
	e.lastAccess.Store(now.UnixNano())
	return e.catalog, true
}

func (c *Cache) current() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return nil
	}
	return c.entry.catalog
}

func (c *Cache) store(cat *Catalog, ttl time.Duration) {
	now := c.now()
	e := &entry{catalog: cat, storedAt: now, ttl: ttl}
	e.lastAccess.Store(now.UnixNano())

	c.mu.Lock()
	c.entry = e
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) Result {
	cat, err := c.fetchRemote(ctx)
	if err == nil {
		metrics.RecordCatalogFetch(string(SourceRemote), true)
		c.store(cat, c.cfg.AbsoluteTTL)
		c.logger.Info("catalog refreshed",
			zap.String("version", cat.Version),
			zap.Int("controls", cat.Len()))
		return Result{Catalog: cat, Source: SourceRemote}
	}
	metrics.RecordCatalogFetch(string(SourceRemote), false)
	c.logger.Warn("remote catalog fetch failed", zap.Error(err))

	if c.fallback != nil {
		fb, ferr := c.fallback.Fetch(ctx)
		if ferr == nil {
			fb = fb.WithOrigin(OriginFallback)
			metrics.RecordCatalogFetch(string(SourceFallback), true)
			c.store(fb, c.cfg.FallbackTTL)
			c.logger.Info("serving fallback catalog",
				zap.String("version", fb.Version),
				zap.Duration("ttl", c.cfg.FallbackTTL))
			return Result{Catalog: fb, Source: SourceFallback, Err: err}
		}
		metrics.RecordCatalogFetch(string(SourceFallback), false)
		c.logger.Error("fallback catalog load failed", zap.Error(ferr))
		err = ferr
	}

	if stale := c.current(); stale != nil {
		// Keep serving the old entry, but only until the remote is due again.
		c.store(stale, c.cfg.FallbackTTL)
		c.logger.Warn("serving stale catalog", zap.String("version", stale.Version))
		return Result{Catalog: stale, Source: SourceCache, Stale: true, Err: err}
	}
	return Result{Source: SourceNone, Err: err}
}

func (c *Cache) fetchRemote(ctx context.Context) (*Catalog, error) {
	if c.remote == nil {
		return nil, errNoRemote
	}
	var cat *Catalog
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		cat, err = c.remote.Fetch(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cat.WithOrigin(OriginRemote), nil
}
