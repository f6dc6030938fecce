package poolcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors describing cache behaviour.
type Metrics struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Fallbacks   prometheus.Counter
	Evictions   prometheus.Counter
	Builds      *prometheus.CounterVec
	CachedPools prometheus.Gauge
}

// NewMetrics creates and registers the cache collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tenantgate_pool_cache_hits_total",
			Help: "Pool acquisitions served from the cache",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tenantgate_pool_cache_misses_total",
			Help: "Pool acquisitions that had to wait for a build",
		}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "tenantgate_pool_cache_fallbacks_total",
			Help: "Builds served from the default tenant because the identifier is unknown",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "tenantgate_pool_cache_evictions_total",
			Help: "Pools removed from the cache",
		}),
		Builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantgate_pool_builds_total",
			Help: "Pool builds, labeled by result",
		}, []string{"result"}),
		CachedPools: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tenantgate_pool_cache_size",
			Help: "Pools currently cached",
		}),
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) fallback() {
	if m != nil {
		m.Fallbacks.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil && n > 0 {
		m.Evictions.Add(float64(n))
	}
}

func (m *Metrics) build(result string) {
	if m != nil {
		m.Builds.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) size(n int) {
	if m != nil {
		m.CachedPools.Set(float64(n))
	}
}
