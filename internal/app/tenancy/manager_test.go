package tenancy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tenantgate/errs"
	"github.com/coachpo/tenantgate/internal/domain/storecode"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/poolcache"
)

type stubPool struct {
	dsn    string
	closed atomic.Bool
}

func (p *stubPool) Close() { p.closed.Store(true) }

type stubConnector struct {
	mu    sync.Mutex
	calls int
}

func (c *stubConnector) Connect(_ context.Context, _ string, cfg tenant.Config) (*stubPool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &stubPool{dsn: cfg.ConnectionString}, nil
}

func newManager(t *testing.T, entries ...tenant.Config) (*Manager[*stubPool], *stubConnector) {
	t.Helper()
	catalog := tenant.NewCatalog()
	catalog.Load(entries)
	conn := &stubConnector{}
	cache := poolcache.New[*stubPool](catalog, conn, poolcache.Config{DefaultTenant: "acme", EnforceActive: true})
	resolver, err := storecode.NewResolver(storecode.DefaultDevHostPatterns, []storecode.Entry{
		{Host: "https://0108670987-001-mobile.edpos.vn", Code: "CH-001"},
	})
	require.NoError(t, err)
	m := NewManager(catalog, cache, resolver)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, conn
}

func active(id, dsn string) tenant.Config {
	return tenant.Config{Identifier: id, ConnectionString: dsn, DisplayName: id, Active: true}
}

func TestTenantLookup(t *testing.T) {
	m, _ := newManager(t, active("acme", "postgres://a"))

	cfg, err := m.Tenant("acme")
	require.NoError(t, err)
	assert.Equal(t, "postgres://a", cfg.ConnectionString)

	_, err = m.Tenant("ghost")
	assert.True(t, errs.IsNotFound(err))
}

func TestRemoveTenantFallsBackToDefault(t *testing.T) {
	m, conn := newManager(t, active("acme", "postgres://a"), active("beta", "postgres://b"))
	ctx := context.Background()

	beta, err := m.Connection(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "postgres://b", beta.dsn)

	assert.True(t, m.RemoveTenant("beta"))
	_, err = m.Tenant("beta")
	assert.True(t, errs.IsNotFound(err))
	require.Eventually(t, beta.closed.Load, time.Second, time.Millisecond)

	fallback, err := m.Connection(ctx, "beta")
	require.NoError(t, err)
	assert.NotSame(t, beta, fallback)
	assert.Equal(t, "postgres://a", fallback.dsn)
	assert.Equal(t, 2, conn.calls)

	assert.False(t, m.RemoveTenant("beta"), "no longer in the catalog")
}

func TestAddTenantReplacesFallbackPool(t *testing.T) {
	m, _ := newManager(t, active("acme", "postgres://a"))
	ctx := context.Background()

	before, err := m.Connection(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "postgres://a", before.dsn)

	require.NoError(t, m.AddTenant(active("gamma", "postgres://g")))
	after, err := m.Connection(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "postgres://g", after.dsn)

	ids := make([]string, 0)
	for _, cfg := range m.Tenants() {
		ids = append(ids, cfg.Identifier)
	}
	assert.Equal(t, []string{"acme", "gamma"}, ids)
}

func TestAddTenantRejectsInvalidConfig(t *testing.T) {
	m, _ := newManager(t, active("acme", "postgres://a"))

	err := m.AddTenant(tenant.Config{Identifier: "beta"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInvalid))
	_, err = m.Tenant("beta")
	assert.True(t, errs.IsNotFound(err))
}

func TestResolveReportsFallbackAndCache(t *testing.T) {
	m, conn := newManager(t, active("acme", "postgres://a"), active("beta", "postgres://b"))

	res, err := m.Resolve("gamma")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.False(t, res.Cached)
	assert.Equal(t, "acme", res.Tenant.Identifier)
	assert.Equal(t, 0, conn.calls)

	_, err = m.Connection(context.Background(), "beta")
	require.NoError(t, err)
	res, err = m.Resolve("beta")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.True(t, res.Cached)
	assert.Equal(t, "acme", m.DefaultTenant())
}

func TestStoreCodePassthrough(t *testing.T) {
	m, _ := newManager(t, active("acme", "postgres://a"))

	code, ok := m.StoreCode("https://0108670987-001-mobile.edpos.vn")
	assert.True(t, ok)
	assert.Equal(t, "CH-001", code)

	code, ok = m.StoreCode("abc.replit.dev")
	assert.True(t, ok)
	assert.Empty(t, code)

	_, ok = m.StoreCode("")
	assert.False(t, ok)
	_, ok = m.StoreCode("https://unknown.example.com")
	assert.False(t, ok)
}

func TestPoolsAndStats(t *testing.T) {
	m, _ := newManager(t, active("acme", "postgres://a"), active("beta", "postgres://b"))
	ctx := context.Background()

	_, err := m.Connection(ctx, "beta")
	require.NoError(t, err)
	_, err = m.Connection(ctx, "acme")
	require.NoError(t, err)

	stats := m.PoolStats()
	assert.Equal(t, 2, stats.Cached)
	assert.Equal(t, []string{"acme", "beta"}, stats.Keys)
	assert.Len(t, m.Pools(), 2)
}
