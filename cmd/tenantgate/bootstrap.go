package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/coachpo/tenantgate/internal/app/tenancy"
	"github.com/coachpo/tenantgate/internal/domain/storecode"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/config"
	"github.com/coachpo/tenantgate/internal/infra/persistence/postgres"
	"github.com/coachpo/tenantgate/internal/infra/poolcache"
	"github.com/coachpo/tenantgate/internal/observability"
)

// gateway holds the wired components shared by every subcommand.
type gateway struct {
	cfg      config.AppConfig
	logger   *observability.ZapLogger
	skipped  []config.Skipped
	registry *prometheus.Registry
	manager  *tenancy.Manager[*postgres.Pool]
}

func bootstrap(ctx context.Context, opts *rootOptions, connectorOpts ...postgres.ConnectorOption) (*gateway, error) {
	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewZapLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	observability.SetLogger(logger)

	secrets, err := secretSourceFor(ctx, cfg, opts.awsRegion)
	if err != nil {
		return nil, err
	}
	entries, skipped := config.ResolveTenants(ctx, cfg, secrets, logger.Named("config"))

	catalog := tenant.NewCatalog()
	catalog.Load(entries)
	if _, ok := catalog.Lookup(cfg.Tenancy.DefaultTenant); !ok {
		logger.Warn("default tenant unavailable; unknown identifiers will fail",
			observability.F("default_tenant", cfg.Tenancy.DefaultTenant))
	}

	resolver, err := storecode.NewResolver(cfg.StoreCodes.DevHostPatterns, cfg.StoreCodes.Entries())
	if err != nil {
		return nil, fmt.Errorf("build store code resolver: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	connector := postgres.NewConnector(cfg.Database.PoolSettings(),
		append([]postgres.ConnectorOption{postgres.WithLogger(logger.Named("postgres"))}, connectorOpts...)...)

	cacheCfg := cfg.CacheConfig()
	cacheCfg.Logger = logger.Named("poolcache")
	cacheCfg.Metrics = poolcache.NewMetrics(registry)
	pools := poolcache.New[*postgres.Pool](catalog, connector, cacheCfg)

	manager := tenancy.NewManager(catalog, pools, resolver, tenancy.WithLogger(logger.Named("tenancy")))

	return &gateway{
		cfg:      cfg,
		logger:   logger,
		skipped:  skipped,
		registry: registry,
		manager:  manager,
	}, nil
}

// secretSourceFor returns a Secrets Manager source only when some tenant reads its
// connection string from a secret.
func secretSourceFor(ctx context.Context, cfg config.AppConfig, region string) (config.SecretSource, error) {
	for _, spec := range cfg.Tenancy.Tenants {
		if spec.DSNSecret == "" {
			continue
		}
		source, err := config.NewAWSSecretSource(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("init secrets manager: %w", err)
		}
		return source, nil
	}
	return nil, nil
}
