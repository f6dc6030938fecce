package poolcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/coachpo/tenantgate/errs"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
)

type fakePool struct {
	key    string
	dsn    string
	closed atomic.Bool
}

func (p *fakePool) Close() { p.closed.Store(true) }

type fakeConnector struct {
	calls   atomic.Int32
	failN   atomic.Int32
	gate    chan struct{}
	started chan string
	built   []*fakePool
	mu      sync.Mutex
}

func (f *fakeConnector) Connect(ctx context.Context, key string, cfg tenant.Config) (*fakePool, error) {
	n := f.calls.Add(1)
	if f.started != nil {
		f.started <- key
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failN.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	pool := &fakePool{key: key, dsn: cfg.ConnectionString}
	f.mu.Lock()
	f.built = append(f.built, pool)
	f.mu.Unlock()
	return pool, nil
}

func entry(id, dsn string) tenant.Config {
	return tenant.Config{Identifier: id, ConnectionString: dsn, Active: true}
}

func newCatalog(entries ...tenant.Config) *tenant.Catalog {
	c := tenant.NewCatalog()
	c.Load(entries)
	return c
}

func newCache(catalog Catalog, conn *fakeConnector) *Cache[*fakePool] {
	return New[*fakePool](catalog, conn, Config{DefaultTenant: "acme", EnforceActive: true})
}

func TestAcquireReturnsIdenticalInstance(t *testing.T) {
	conn := &fakeConnector{}
	cache := newCache(newCatalog(entry("acme", "postgres://a"), entry("beta", "postgres://b")), conn)

	first, err := cache.Acquire(context.Background(), "beta")
	require.NoError(t, err)
	second, err := cache.Acquire(context.Background(), "beta")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestAcquireFallbackScenario(t *testing.T) {
	conn := &fakeConnector{}
	cache := newCache(newCatalog(entry("acme", "postgres://cfg1"), entry("beta", "postgres://cfg2")), conn)
	ctx := context.Background()

	beta, err := cache.Acquire(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "postgres://cfg2", beta.dsn)

	gamma, err := cache.Acquire(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "postgres://cfg1", gamma.dsn)
	assert.Equal(t, "gamma", gamma.key)

	again, err := cache.Acquire(ctx, "gamma")
	require.NoError(t, err)
	assert.Same(t, gamma, again)
	assert.Equal(t, int32(2), conn.calls.Load())
	assert.Equal(t, []string{"beta", "gamma"}, cache.Keys())
}

func TestConcurrentAcquireBuildsOnce(t *testing.T) {
	conn := &fakeConnector{gate: make(chan struct{})}
	cache := newCache(newCatalog(entry("acme", "postgres://a")), conn)

	const callers = 32
	results := make([]*fakePool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pool, err := cache.Acquire(context.Background(), "newcomer")
			assert.NoError(t, err)
			results[i] = pool
		}(i)
	}
	require.Eventually(t, func() bool { return conn.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(conn.gate)
	wg.Wait()

	assert.Equal(t, int32(1), conn.calls.Load())
	for _, pool := range results {
		assert.Same(t, results[0], pool)
	}
}

func TestFailedBuildIsNotCached(t *testing.T) {
	conn := &fakeConnector{}
	conn.failN.Store(1)
	cache := newCache(newCatalog(entry("acme", "postgres://a")), conn)

	_, err := cache.Acquire(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodePoolCreation))
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, 0, cache.Len())

	pool, err := cache.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotNil(t, pool)
	assert.Equal(t, int32(2), conn.calls.Load())
}

func TestMissingDefaultIsConfigurationError(t *testing.T) {
	conn := &fakeConnector{}
	cache := New[*fakePool](newCatalog(entry("beta", "postgres://b")), conn, Config{DefaultTenant: "acme"})

	_, err := cache.Acquire(context.Background(), "gamma")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeConfiguration))
	assert.False(t, errs.IsRetryable(err))
	assert.Equal(t, int32(0), conn.calls.Load())
}

func TestInactiveTenantIsRejected(t *testing.T) {
	inactive := entry("beta", "postgres://b")
	inactive.Active = false
	conn := &fakeConnector{}
	cache := newCache(newCatalog(entry("acme", "postgres://a"), inactive), conn)

	_, err := cache.Acquire(context.Background(), "beta")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInactive))
	assert.Equal(t, int32(0), conn.calls.Load())

	permissive := New[*fakePool](newCatalog(entry("acme", "postgres://a"), inactive), conn, Config{DefaultTenant: "acme"})
	_, err = permissive.Acquire(context.Background(), "beta")
	assert.NoError(t, err)
}

func TestCancelledAcquireLeavesNoEntryAndBuildCompletes(t *testing.T) {
	conn := &fakeConnector{gate: make(chan struct{}), started: make(chan string, 1)}
	cache := newCache(newCatalog(entry("acme", "postgres://a")), conn)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(ctx, "acme")
		errCh <- err
	}()
	<-conn.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, cache.Len(), "nothing cached while the build is pending")

	close(conn.gate)
	require.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, time.Millisecond)

	pool, err := cache.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, pool.closed.Load())
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestBuildTimeoutIsPoolCreationError(t *testing.T) {
	conn := &fakeConnector{gate: make(chan struct{})}
	cache := New[*fakePool](newCatalog(entry("acme", "postgres://a")), conn, Config{
		DefaultTenant: "acme",
		BuildTimeout:  20 * time.Millisecond,
	})

	_, err := cache.Acquire(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodePoolCreation))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cache.Len())
}

func TestEvictDuringBuildDiscardsPool(t *testing.T) {
	conn := &fakeConnector{gate: make(chan struct{}), started: make(chan string, 2)}
	cache := newCache(newCatalog(entry("acme", "postgres://a")), conn)

	errCh := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(context.Background(), "acme")
		errCh <- err
	}()
	<-conn.started
	assert.False(t, cache.Evict("acme"), "nothing cached yet")
	close(conn.gate)

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeUnavailable))
	assert.Equal(t, 0, cache.Len())

	conn.mu.Lock()
	stale := conn.built[0]
	conn.mu.Unlock()
	require.Eventually(t, stale.closed.Load, time.Second, time.Millisecond)

	fresh, err := cache.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Empty(t, cache.generation)
	assert.Empty(t, cache.inFlight)
}

func TestEvictWithoutBuildKeepsNoState(t *testing.T) {
	cache := newCache(newCatalog(entry("acme", "postgres://a")), &fakeConnector{})

	for i := 0; i < 100; i++ {
		assert.False(t, cache.Evict(fmt.Sprintf("unknown-%d", i)))
	}
	_, err := cache.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, cache.Evict("acme"))

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Empty(t, cache.generation)
}

func TestAcquireFoldsIdentifierCase(t *testing.T) {
	conn := &fakeConnector{}
	cache := newCache(newCatalog(entry("Store-ABC", "postgres://abc"), entry("acme", "postgres://a")), conn)
	ctx := context.Background()

	upper, err := cache.Acquire(ctx, " STORE-abc ")
	require.NoError(t, err)
	lower, err := cache.Acquire(ctx, "store-abc")
	require.NoError(t, err)
	assert.Same(t, upper, lower)
	assert.Equal(t, "postgres://abc", lower.dsn)
	assert.Equal(t, []string{"store-abc"}, cache.Keys())
}

func TestEvictClosesPoolAndRebuilds(t *testing.T) {
	conn := &fakeConnector{}
	catalog := newCatalog(entry("acme", "postgres://a"), entry("beta", "postgres://b"))
	cache := newCache(catalog, conn)
	ctx := context.Background()

	beta, err := cache.Acquire(ctx, "beta")
	require.NoError(t, err)

	catalog.Remove("beta")
	assert.True(t, cache.Evict("beta"))
	require.Eventually(t, beta.closed.Load, time.Second, time.Millisecond)

	fallback, err := cache.Acquire(ctx, "beta")
	require.NoError(t, err)
	assert.NotSame(t, beta, fallback)
	assert.Equal(t, "postgres://a", fallback.dsn)
}

func TestCloseDrainsPoolsAndRejectsAcquire(t *testing.T) {
	conn := &fakeConnector{}
	cache := newCache(newCatalog(entry("acme", "postgres://a"), entry("beta", "postgres://b")), conn)
	ctx := context.Background()

	acme, err := cache.Acquire(ctx, "acme")
	require.NoError(t, err)
	beta, err := cache.Acquire(ctx, "beta")
	require.NoError(t, err)

	require.NoError(t, cache.Close(ctx))
	assert.True(t, acme.closed.Load())
	assert.True(t, beta.closed.Load())
	assert.True(t, cache.Stats().Closed)

	_, err = cache.Acquire(ctx, "acme")
	assert.True(t, errs.Is(err, errs.CodeUnavailable))
	require.NoError(t, cache.Close(ctx))
}

func TestCreationRateLimitRespectsBuildTimeout(t *testing.T) {
	conn := &fakeConnector{}
	cache := New[*fakePool](newCatalog(entry("acme", "postgres://a")), conn, Config{
		DefaultTenant: "acme",
		BuildTimeout:  30 * time.Millisecond,
		CreationRate:  rate.Every(time.Hour),
		CreationBurst: 1,
	})
	ctx := context.Background()

	_, err := cache.Acquire(ctx, "one")
	require.NoError(t, err)
	_, err = cache.Acquire(ctx, "two")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeUnavailable))
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestMetricsCountHitsMissesAndFallbacks(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	conn := &fakeConnector{}
	cache := New[*fakePool](newCatalog(entry("acme", "postgres://a")), conn, Config{
		DefaultTenant: "acme",
		Metrics:       metrics,
	})
	ctx := context.Background()

	_, err := cache.Acquire(ctx, "gamma")
	require.NoError(t, err)
	_, err = cache.Acquire(ctx, "gamma")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Misses))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Fallbacks))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Builds.WithLabelValues(buildResultBuilt)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CachedPools))

	cache.Evict("gamma")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Evictions))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.CachedPools))
}
