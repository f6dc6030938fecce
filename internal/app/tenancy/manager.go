// Package tenancy composes the tenant catalog, the pool cache and the store-code resolver
// into the single entry point request handlers use.
package tenancy

import (
	"context"

	"github.com/coachpo/tenantgate/errs"
	"github.com/coachpo/tenantgate/internal/domain/storecode"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/poolcache"
	"github.com/coachpo/tenantgate/internal/observability"
)

// Resolution describes which catalog entry backs an identifier.
type Resolution struct {
	Requested string        `json:"requested"`
	Tenant    tenant.Config `json:"tenant"`
	Fallback  bool          `json:"fallback"`
	Cached    bool          `json:"cached"`
}

// Manager is safe for concurrent use.
type Manager[P poolcache.Pool] struct {
	catalog  *tenant.Catalog
	pools    *poolcache.Cache[P]
	resolver *storecode.Resolver
	logger   observability.Logger
}

// Option configures optional manager behaviour.
type Option func(*options)

type options struct {
	logger observability.Logger
}

// WithLogger sets the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewManager wires the manager. resolver may be nil, in which case no host maps to a store
// code.
func NewManager[P poolcache.Pool](catalog *tenant.Catalog, pools *poolcache.Cache[P], resolver *storecode.Resolver, opts ...Option) *Manager[P] {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Manager[P]{
		catalog:  catalog,
		pools:    pools,
		resolver: resolver,
		logger:   observability.OrGlobal(o.logger),
	}
}

// Tenant returns the catalog entry for id or a not-found error.
func (m *Manager[P]) Tenant(id string) (tenant.Config, error) {
	cfg, ok := m.catalog.Lookup(id)
	if !ok {
		return tenant.Config{}, errs.NotFound(id)
	}
	return cfg, nil
}

// Resolve reports which tenant would serve id without building a pool.
func (m *Manager[P]) Resolve(id string) (Resolution, error) {
	key := tenant.NormalizeID(id)
	cfg, fallback, err := m.pools.Resolve(key)
	if err != nil {
		return Resolution{}, err
	}
	_, cached := m.pools.Peek(key)
	return Resolution{Requested: key, Tenant: cfg, Fallback: fallback, Cached: cached}, nil
}

// Connection returns the pool for id, building it on first use.
func (m *Manager[P]) Connection(ctx context.Context, id string) (P, error) {
	return m.pools.Acquire(ctx, id)
}

// Tenants lists the catalog in registration order.
func (m *Manager[P]) Tenants() []tenant.Config {
	return m.catalog.List()
}

// AddTenant registers or replaces cfg. A pool already cached under the identifier was
// built from older settings, or from the default tenant, and is evicted.
func (m *Manager[P]) AddTenant(cfg tenant.Config) error {
	cfg.Identifier = tenant.NormalizeID(cfg.Identifier)
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.catalog.Upsert(cfg)
	evicted := m.pools.Evict(cfg.Identifier)
	m.logger.Info("tenant registered",
		observability.F("tenant", cfg.Identifier),
		observability.F("active", cfg.Active),
		observability.F("security", string(cfg.Security)),
		observability.F("evicted_pool", evicted))
	return nil
}

// RemoveTenant deletes id from the catalog and evicts its pool. It reports whether the
// catalog held the identifier.
func (m *Manager[P]) RemoveTenant(id string) bool {
	removed := m.catalog.Remove(id)
	evicted := m.pools.Evict(id)
	if removed || evicted {
		m.logger.Info("tenant removed",
			observability.F("tenant", tenant.NormalizeID(id)),
			observability.F("evicted_pool", evicted))
	}
	return removed
}

// StoreCode resolves the store code for an origin host. See storecode.Resolver.Resolve.
func (m *Manager[P]) StoreCode(host string) (string, bool) {
	return m.resolver.Resolve(host)
}

// DefaultTenant returns the identifier serving unknown tenants.
func (m *Manager[P]) DefaultTenant() string {
	return m.pools.DefaultTenant()
}

// PoolStats summarises the pool cache.
func (m *Manager[P]) PoolStats() poolcache.Stats {
	return m.pools.Stats()
}

// Pools returns the cached pools in identifier order.
func (m *Manager[P]) Pools() []P {
	keys := m.pools.Keys()
	out := make([]P, 0, len(keys))
	for _, key := range keys {
		if pool, ok := m.pools.Peek(key); ok {
			out = append(out, pool)
		}
	}
	return out
}

// Close drains every cached pool.
func (m *Manager[P]) Close(ctx context.Context) error {
	return m.pools.Close(ctx)
}
