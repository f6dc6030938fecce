package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/tenantgate/errs"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/telemetry"
	"github.com/coachpo/tenantgate/internal/observability"
)

const tracerName = "github.com/coachpo/tenantgate/internal/infra/persistence/postgres"

type dialFunc func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error)

// Connector builds tenant pools from catalog entries.
type Connector struct {
	settings PoolSettings
	logger   observability.Logger
	dial     dialFunc
	tracer   trace.Tracer
	duration metric.Float64Histogram
	observe  bool
}

// ConnectorOption customises a Connector.
type ConnectorOption func(*Connector)

// WithLogger sets the connector logger.
func WithLogger(logger observability.Logger) ConnectorOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithPoolMetrics toggles registration of per-pool otel gauges.
func WithPoolMetrics(enabled bool) ConnectorOption {
	return func(c *Connector) {
		c.observe = enabled
	}
}

func withDial(dial dialFunc) ConnectorOption {
	return func(c *Connector) {
		c.dial = dial
	}
}

// NewConnector constructs a Connector applying settings to every pool it builds.
func NewConnector(settings PoolSettings, opts ...ConnectorOption) *Connector {
	c := &Connector{
		settings: settings.WithDefaults(),
		dial:     dialAndPing,
		tracer:   otel.Tracer(tracerName),
		observe:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.OrGlobal(c.logger)
	if hist, err := otel.Meter("postgres.pool").Float64Histogram(telemetry.PoolConnectDurationMetric,
		metric.WithDescription("Time to build and verify a tenant pool"),
		metric.WithUnit("ms")); err == nil {
		c.duration = hist
	}
	return c
}

// Settings returns the effective pool settings.
func (c *Connector) Settings() PoolSettings {
	return c.settings
}

// PoolConfig parses the tenant connection string and applies the fixed pool limits and the
// tenant security mode.
func (c *Connector) PoolConfig(cfg tenant.Config) (*pgxpool.Config, error) {
	if cfg.ConnectionString == "" {
		return nil, errs.Configuration(cfg.Identifier, "connection string missing")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		// The parse error may echo the DSN; keep credentials out of the envelope.
		return nil, errs.New(cfg.Identifier, errs.CodeConfiguration,
			errs.WithMessage("parse connection string"),
			errs.WithField("dsn", tenant.RedactDSN(cfg.ConnectionString)))
	}
	s := c.settings
	poolCfg.MaxConns = s.MaxConns
	poolCfg.MinConns = s.MinConns
	poolCfg.MaxConnIdleTime = s.MaxConnIdleTime
	poolCfg.MaxConnLifetime = s.MaxConnLifetime
	poolCfg.HealthCheckPeriod = s.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = s.ConnectTimeout

	if err := applySecurity(&poolCfg.ConnConfig.Config, cfg.Security); err != nil {
		return nil, errs.Configuration(cfg.Identifier, err.Error())
	}
	return poolCfg, nil
}

// Connect builds a pool for cfg and verifies it with a ping. key is the identifier the pool
// will be cached under. Transient failures are retried with exponential backoff up to
// ConnectAttempts; authentication and missing-database failures are not retried.
func (c *Connector) Connect(ctx context.Context, key string, cfg tenant.Config) (*Pool, error) {
	poolCfg, err := c.PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "tenantgate.pool.connect", trace.WithAttributes(
		telemetry.AttrTenant.String(key),
		telemetry.AttrResolvedTenant.String(cfg.Identifier),
		telemetry.AttrSecurityMode.String(string(cfg.Security)),
	))
	defer span.End()

	start := time.Now()
	pgxPool, attempts, err := c.dialWithRetry(ctx, key, poolCfg)
	c.recordDuration(ctx, start, err)
	span.SetAttributes(telemetry.AttrAttempt.Int(attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pool connect failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.New(key, errs.CodePoolCreation,
			errs.WithMessage("connect tenant database"),
			errs.WithField("resolved", cfg.Identifier),
			errs.WithField("attempts", strconv.Itoa(attempts)),
			errs.WithCause(err))
	}

	pool := &Pool{
		Pool:     pgxPool,
		ID:       uuid.NewString(),
		Tenant:   key,
		Resolved: cfg.Identifier,
		Security: cfg.Security,
	}
	if c.observe {
		pool.unregister = ObservePoolMetrics(pgxPool, key, cfg.Identifier, pool.ID)
	}
	span.SetAttributes(telemetry.AttrPoolID.String(pool.ID))
	c.logger.Info("tenant pool connected",
		observability.F("tenant", key),
		observability.F("resolved", cfg.Identifier),
		observability.F("pool_id", pool.ID),
		observability.F("attempts", attempts),
		observability.F("max_conns", poolCfg.MaxConns))
	return pool, nil
}

func (c *Connector) dialWithRetry(ctx context.Context, key string, poolCfg *pgxpool.Config) (*pgxpool.Pool, int, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.settings.RetryInitialInterval
	backoffCfg.MaxInterval = c.settings.RetryMaxInterval
	backoffCfg.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.settings.ConnectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
		pool, err := c.dial(attemptCtx, poolCfg.Copy())
		cancel()
		if err == nil {
			return pool, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || isPermanent(err) || attempt == c.settings.ConnectAttempts {
			return nil, attempt, lastErr
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.settings.RetryMaxInterval
		}
		c.logger.Warn("tenant pool connect failed, retrying",
			observability.F("tenant", key),
			observability.F("attempt", attempt),
			observability.F("retry_in", sleep.String()),
			observability.F("error", err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, lastErr
		case <-timer.C:
		}
	}
	return nil, c.settings.ConnectAttempts, lastErr
}

func (c *Connector) recordDuration(ctx context.Context, start time.Time, err error) {
	if c.duration == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	c.duration.Record(ctx, elapsed, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	))
}

func dialAndPing(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// isPermanent reports failures a retry cannot fix: bad credentials (class 28) and an
// unknown database (3D000).
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "3D000"
}
