// Package poolcache keeps one connection pool per tenant identifier and builds missing pools
// exactly once, no matter how many callers race for the same identifier.
package poolcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/coachpo/tenantgate/errs"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/observability"
)

// DefaultBuildTimeout bounds a single build when the cache config leaves BuildTimeout unset.
const DefaultBuildTimeout = 45 * time.Second

// Pool is the minimal contract a cached pool satisfies.
type Pool interface {
	Close()
}

// Connector builds a pool for cfg. key is the identifier the pool is cached under, which
// differs from cfg.Identifier when the default tenant stands in for an unknown one.
type Connector[P Pool] interface {
	Connect(ctx context.Context, key string, cfg tenant.Config) (P, error)
}

// Catalog is the read side of the tenant catalog.
type Catalog interface {
	Lookup(id string) (tenant.Config, bool)
}

// Config configures a Cache.
type Config struct {
	// DefaultTenant serves identifiers the catalog does not know.
	DefaultTenant string
	// EnforceActive refuses to build pools for tenants marked inactive.
	EnforceActive bool
	// BuildTimeout bounds one build, including connector retries.
	BuildTimeout time.Duration
	// CreationRate limits new pool builds per second. Zero disables limiting.
	CreationRate  rate.Limit
	CreationBurst int

	Logger  observability.Logger
	Metrics *Metrics
}

// Stats summarises the cache contents.
type Stats struct {
	Cached   int      `json:"cached"`
	Keys     []string `json:"keys"`
	InFlight int      `json:"inFlight"`
	Closed   bool     `json:"closed"`
}

// Cache maps tenant identifiers to pools. Reads of built pools take a shared lock; builds
// for the same identifier are coalesced into one connector call.
type Cache[P Pool] struct {
	catalog   Catalog
	connector Connector[P]
	cfg       Config
	limiter   *rate.Limiter
	logger    observability.Logger

	group singleflight.Group

	mu         sync.RWMutex
	pools      map[string]P
	generation map[string]uint64 // bumped by Evict while a build for the key runs
	inFlight   map[string]int
	closed     bool

	drains conc.WaitGroup
}

// New constructs a Cache over catalog using connector to build pools.
func New[P Pool](catalog Catalog, connector Connector[P], cfg Config) *Cache[P] {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	cfg.DefaultTenant = tenant.NormalizeID(cfg.DefaultTenant)
	c := &Cache[P]{
		catalog:    catalog,
		connector:  connector,
		cfg:        cfg,
		logger:     observability.OrGlobal(cfg.Logger),
		pools:      make(map[string]P),
		generation: make(map[string]uint64),
		inFlight:   make(map[string]int),
	}
	if cfg.CreationRate > 0 {
		burst := cfg.CreationBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.CreationRate, burst)
	}
	return c
}

// Acquire returns the pool cached under id, building it on first use. Identifiers missing
// from the catalog are served by the default tenant and the resulting pool is cached under
// id. A caller whose ctx ends while waiting gets ctx.Err(); the build itself continues and
// its result is cached for the next caller.
func (c *Cache[P]) Acquire(ctx context.Context, id string) (P, error) {
	var zero P
	key := tenant.NormalizeID(id)

	c.mu.RLock()
	pool, ok := c.pools[key]
	closed := c.closed
	c.mu.RUnlock()
	if ok {
		c.cfg.Metrics.hit()
		return pool, nil
	}
	if closed {
		return zero, errClosed(key)
	}
	c.cfg.Metrics.miss()

	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.build(buildCtx, key)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(P), nil
	}
}

// DefaultTenant returns the identifier that serves unknown tenants.
func (c *Cache[P]) DefaultTenant() string {
	return c.cfg.DefaultTenant
}

// Peek returns the cached pool for id without building one.
func (c *Cache[P]) Peek(id string) (P, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pool, ok := c.pools[tenant.NormalizeID(id)]
	return pool, ok
}

func (c *Cache[P]) build(ctx context.Context, key string) (P, error) {
	var zero P

	c.mu.Lock()
	if pool, ok := c.pools[key]; ok {
		c.mu.Unlock()
		return pool, nil
	}
	if c.closed {
		c.mu.Unlock()
		return zero, errClosed(key)
	}
	gen := c.generation[key]
	c.inFlight[key]++
	c.mu.Unlock()
	defer c.finishBuild(key)

	cfg, fallback, err := c.Resolve(key)
	if err != nil {
		c.cfg.Metrics.build(buildResultRejected)
		return zero, err
	}
	if fallback {
		c.cfg.Metrics.fallback()
		c.logger.Debug("tenant not registered, using default",
			observability.F("tenant", key),
			observability.F("default", cfg.Identifier))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.cfg.Metrics.build(buildResultFailed)
			return zero, errs.New(key, errs.CodeUnavailable,
				errs.WithMessage("pool creation rate limit"),
				errs.WithCause(err))
		}
	}

	pool, err := c.connector.Connect(ctx, key, cfg)
	if err != nil {
		c.cfg.Metrics.build(buildResultFailed)
		c.logger.Warn("tenant pool build failed",
			observability.F("tenant", key),
			observability.F("resolved", cfg.Identifier),
			observability.F("error", err))
		return zero, asPoolCreation(key, cfg.Identifier, err)
	}

	c.mu.Lock()
	if c.closed || c.generation[key] != gen {
		closed := c.closed
		c.drainLocked(key, pool, closed)
		c.mu.Unlock()
		c.cfg.Metrics.build(buildResultDiscarded)
		if closed {
			return zero, errClosed(key)
		}
		return zero, errs.New(key, errs.CodeUnavailable,
			errs.WithMessage("tenant evicted while its pool was being built"))
	}
	c.pools[key] = pool
	size := len(c.pools)
	c.mu.Unlock()

	c.cfg.Metrics.build(buildResultBuilt)
	c.cfg.Metrics.size(size)
	return pool, nil
}

// finishBuild drops the in-flight mark for key. The generation counter only has to outlive
// the builds that read it.
func (c *Cache[P]) finishBuild(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[key]--; c.inFlight[key] <= 0 {
		delete(c.inFlight, key)
		delete(c.generation, key)
	}
}

// Resolve reports which catalog entry would back a pool for id. fallback is true when the
// default tenant stands in for an unknown identifier. Resolve has no side effects.
func (c *Cache[P]) Resolve(id string) (cfg tenant.Config, fallback bool, err error) {
	key := tenant.NormalizeID(id)
	cfg, found := c.catalog.Lookup(key)
	if found {
		if c.cfg.EnforceActive && !cfg.Active {
			return tenant.Config{}, false, errs.New(key, errs.CodeInactive,
				errs.WithMessage("tenant is disabled"))
		}
		return cfg, false, nil
	}

	cfg, ok := c.catalog.Lookup(c.cfg.DefaultTenant)
	if !ok {
		return tenant.Config{}, true, errs.New(key, errs.CodeConfiguration,
			errs.WithMessage("tenant not registered and default tenant is missing"),
			errs.WithField("default", c.cfg.DefaultTenant),
			errs.WithRemediation("register the tenant or configure a default tenant"))
	}
	if c.cfg.EnforceActive && !cfg.Active {
		return tenant.Config{}, true, errs.New(key, errs.CodeConfiguration,
			errs.WithMessage("default tenant is disabled"),
			errs.WithField("default", cfg.Identifier))
	}
	return cfg, true, nil
}

// Evict drops the pool cached under id and closes it in the background. A build in flight
// for id is discarded when it completes. Evict reports whether a pool was cached.
func (c *Cache[P]) Evict(id string) bool {
	key := tenant.NormalizeID(id)

	c.mu.Lock()
	pool, ok := c.pools[key]
	delete(c.pools, key)
	if c.inFlight[key] > 0 {
		c.generation[key]++
	}
	if ok {
		c.drainLocked(key, pool, c.closed)
	}
	size := len(c.pools)
	c.mu.Unlock()

	// Later acquires must not join a flight that is going to be discarded.
	c.group.Forget(key)
	if ok {
		c.cfg.Metrics.evicted(1)
		c.cfg.Metrics.size(size)
	}
	return ok
}

// drainLocked closes pool off the caller's goroutine. Once the cache is closed the pool is
// closed inline so Close never races a new drain. c.mu must be held.
func (c *Cache[P]) drainLocked(key string, pool P, closed bool) {
	if closed {
		go pool.Close()
		return
	}
	c.drains.Go(func() {
		pool.Close()
		c.logger.Debug("tenant pool closed", observability.F("tenant", key))
	})
}

// Len returns the number of cached pools.
func (c *Cache[P]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pools)
}

// Keys returns the cached identifiers in sorted order.
func (c *Cache[P]) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.pools))
	for k := range c.pools {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Stats returns a snapshot of the cache.
func (c *Cache[P]) Stats() Stats {
	keys := c.Keys()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Cached:   len(keys),
		Keys:     keys,
		InFlight: len(c.inFlight),
		Closed:   c.closed,
	}
}

// Close evicts every pool and waits for them to close or for ctx to end. Acquire fails with
// an unavailable error afterwards.
func (c *Cache[P]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	pools := c.pools
	c.pools = make(map[string]P)
	for key, pool := range pools {
		c.drainLocked(key, pool, false)
	}
	c.closed = true
	c.mu.Unlock()

	c.cfg.Metrics.evicted(len(pools))
	c.cfg.Metrics.size(0)

	done := make(chan struct{})
	go func() {
		c.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("tenant pools closed", observability.F("count", len(pools)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close tenant pools: %w", ctx.Err())
	}
}

const (
	buildResultBuilt     = "built"
	buildResultFailed    = "failed"
	buildResultRejected  = "rejected"
	buildResultDiscarded = "discarded"
)

func errClosed(key string) error {
	return errs.New(key, errs.CodeUnavailable, errs.WithMessage("pool cache closed"))
}

// asPoolCreation keeps tenancy envelopes as they are and wraps anything else, including
// the build deadline, as a retryable pool creation failure.
func asPoolCreation(key, resolved string, err error) error {
	var env *errs.E
	if errors.As(err, &env) {
		return err
	}
	return errs.New(key, errs.CodePoolCreation,
		errs.WithMessage("connect tenant database"),
		errs.WithField("resolved", resolved),
		errs.WithCause(err))
}
