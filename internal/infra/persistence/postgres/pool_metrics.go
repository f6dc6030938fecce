package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tenantgate/internal/infra/telemetry"
)

type poolGauges struct {
	meter        metric.Meter
	total        metric.Int64ObservableGauge
	idle         metric.Int64ObservableGauge
	acquired     metric.Int64ObservableGauge
	constructing metric.Int64ObservableGauge
}

var (
	gaugesOnce sync.Once
	gauges     *poolGauges
)

func loadGauges() *poolGauges {
	gaugesOnce.Do(func() {
		meter := otel.Meter("postgres.pool")
		g := &poolGauges{meter: meter}
		var err error
		if g.total, err = meter.Int64ObservableGauge("tenantgate_db_pool_connections_total",
			metric.WithDescription("Total connections (idle + acquired + constructing)"),
			metric.WithUnit("{connection}")); err != nil {
			return
		}
		if g.idle, err = meter.Int64ObservableGauge("tenantgate_db_pool_connections_idle",
			metric.WithDescription("Idle connections ready for checkout"),
			metric.WithUnit("{connection}")); err != nil {
			return
		}
		if g.acquired, err = meter.Int64ObservableGauge("tenantgate_db_pool_connections_acquired",
			metric.WithDescription("Connections currently acquired by callers"),
			metric.WithUnit("{connection}")); err != nil {
			return
		}
		if g.constructing, err = meter.Int64ObservableGauge("tenantgate_db_pool_connections_constructing",
			metric.WithDescription("Connections currently being constructed"),
			metric.WithUnit("{connection}")); err != nil {
			return
		}
		gauges = g
	})
	return gauges
}

// ObservePoolMetrics registers observable gauges that report pgx pool health for one tenant
// pool. The returned function unregisters the callback and must be called when the pool closes.
func ObservePoolMetrics(pool *pgxpool.Pool, tenantID, resolved, poolID string) func() {
	if pool == nil {
		return func() {}
	}
	g := loadGauges()
	if g == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), tenantID, resolved, poolID)...)

	reg, err := g.meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		observer.ObserveInt64(g.total, int64(stat.TotalConns()), attrs)
		observer.ObserveInt64(g.idle, int64(stat.IdleConns()), attrs)
		observer.ObserveInt64(g.acquired, int64(stat.AcquiredConns()), attrs)
		observer.ObserveInt64(g.constructing, int64(stat.ConstructingConns()), attrs)
		return nil
	}, g.total, g.idle, g.acquired, g.constructing)
	if err != nil {
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}
