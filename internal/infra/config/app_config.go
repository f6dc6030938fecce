// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tenantgate/internal/domain/storecode"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/persistence/postgres"
	"github.com/coachpo/tenantgate/internal/infra/poolcache"
)

// Environment variables that override file settings.
const (
	EnvAddr          = "TENANTGATE_ADDR"
	EnvDefaultTenant = "TENANTGATE_DEFAULT_TENANT"
	EnvEnvironment   = "TENANTGATE_ENV"
)

// APIServerConfig configures the HTTP surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr" validate:"notblank"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName" validate:"notblank"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig holds the pool limits shared by every tenant pool.
type DatabaseConfig struct {
	MaxConns             int32         `yaml:"maxConns" validate:"gt=0"`
	MinConns             int32         `yaml:"minConns" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime      time.Duration `yaml:"maxConnLifetime" validate:"gt=0"`
	MaxConnIdleTime      time.Duration `yaml:"maxConnIdleTime" validate:"gt=0"`
	HealthCheckPeriod    time.Duration `yaml:"healthCheckPeriod" validate:"gt=0"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout" validate:"gt=0"`
	ConnectAttempts      int           `yaml:"connectAttempts" validate:"gte=1"`
	RetryInitialInterval time.Duration `yaml:"retryInitialInterval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `yaml:"retryMaxInterval" validate:"gtefield=RetryInitialInterval"`
	CreationRate         float64       `yaml:"creationRate" validate:"gte=0"`
	CreationBurst        int           `yaml:"creationBurst" validate:"gte=0"`
}

func (c *DatabaseConfig) applyDefaults() {
	d := postgres.DefaultPoolSettings()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = d.MaxConnLifetime
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = d.MaxConnIdleTime
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = d.HealthCheckPeriod
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.CreationRate > 0 && c.CreationBurst <= 0 {
		c.CreationBurst = 1
	}
}

// PoolSettings converts the section into connector settings.
func (c DatabaseConfig) PoolSettings() postgres.PoolSettings {
	return postgres.PoolSettings{
		MaxConns:             c.MaxConns,
		MinConns:             c.MinConns,
		MaxConnIdleTime:      c.MaxConnIdleTime,
		MaxConnLifetime:      c.MaxConnLifetime,
		HealthCheckPeriod:    c.HealthCheckPeriod,
		ConnectTimeout:       c.ConnectTimeout,
		ConnectAttempts:      c.ConnectAttempts,
		RetryInitialInterval: c.RetryInitialInterval,
		RetryMaxInterval:     c.RetryMaxInterval,
	}
}

// TenancyConfig lists the tenants and the fallback policy.
type TenancyConfig struct {
	DefaultTenant string       `yaml:"defaultTenant" validate:"notblank"`
	EnforceActive *bool        `yaml:"enforceActive"`
	HostRules     []HostRule   `yaml:"hostRules" validate:"dive"`
	Tenants       []TenantSpec `yaml:"tenants" validate:"dive"`
}

// Enforced reports whether inactive tenants are refused. It defaults to true.
func (c TenancyConfig) Enforced() bool {
	return c.EnforceActive == nil || *c.EnforceActive
}

// StoreCodeHost maps one origin host to a store code.
type StoreCodeHost struct {
	Host string `yaml:"host" validate:"notblank"`
	Code string `yaml:"code" validate:"notblank"`
}

// StoreCodeConfig configures the store-code resolver.
type StoreCodeConfig struct {
	DevHostPatterns []string        `yaml:"devHostPatterns"`
	Hosts           []StoreCodeHost `yaml:"hosts" validate:"dive"`
}

// Entries converts the host table for storecode.NewResolver.
func (c StoreCodeConfig) Entries() []storecode.Entry {
	out := make([]storecode.Entry, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		out = append(out, storecode.Entry{Host: h.Host, Code: h.Code})
	}
	return out
}

// AppConfig is the unified tenantgate configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment" validate:"oneof=dev staging prod"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
	Tenancy     TenancyConfig   `yaml:"tenancy"`
	StoreCodes  StoreCodeConfig `yaml:"storeCodes"`
}

// CacheConfig derives the pool cache settings. The build timeout covers every connect
// attempt and the backoff between them.
func (c AppConfig) CacheConfig() poolcache.Config {
	return poolcache.Config{
		DefaultTenant: c.Tenancy.DefaultTenant,
		EnforceActive: c.Tenancy.Enforced(),
		BuildTimeout:  c.Database.PoolSettings().BuildBudget(),
		CreationRate:  rate.Limit(c.Database.CreationRate),
		CreationBurst: c.Database.CreationBurst,
	}
}

// Default returns the configuration used when no file is supplied: a single "demo" tenant
// reading its connection string from EXTERNAL_DB_URL or DATABASE_URL.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8080"},
		Logging:     LoggingConfig{Level: "info"},
		Telemetry:   TelemetryConfig{ServiceName: "tenantgate", OTLPInsecure: true},
		Tenancy: TenancyConfig{
			DefaultTenant: "demo",
			Tenants: []TenantSpec{{
				Identifier:  "demo",
				DisplayName: "Store 0",
				DSNEnv:      []string{"EXTERNAL_DB_URL", "DATABASE_URL"},
				Security:    SecurityAuto,
			}},
		},
	}
	cfg.normalise()
	return cfg
}

// LoadDotEnv loads KEY=VALUE files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath, or returns Default when configPath is empty.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		cfg := Default()
		cfg.applyEnvOverrides()
		cfg.normalise()
		return cfg, cfg.Validate()
	}
	return Load(ctx, configPath)
}

// Parse decodes YAML, applies defaults and environment overrides, then validates.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.APIServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDefaultTenant)); v != "" {
		c.Tenancy.DefaultTenant = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		c.Environment = Environment(v)
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 15 * time.Second
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tenantgate"
	}

	c.Database.applyDefaults()

	c.Tenancy.DefaultTenant = tenant.NormalizeID(c.Tenancy.DefaultTenant)
	if c.Tenancy.HostRules == nil {
		c.Tenancy.HostRules = DefaultHostRules()
	}
	for i := range c.Tenancy.HostRules {
		c.Tenancy.HostRules[i].Security = strings.ToLower(strings.TrimSpace(c.Tenancy.HostRules[i].Security))
	}
	for i := range c.Tenancy.Tenants {
		c.Tenancy.Tenants[i].normalise()
	}

	if c.StoreCodes.DevHostPatterns == nil {
		c.StoreCodes.DevHostPatterns = append([]string(nil), storecode.DefaultDevHostPatterns...)
	}
	for i := range c.StoreCodes.Hosts {
		c.StoreCodes.Hosts[i].Host = strings.TrimSpace(c.StoreCodes.Hosts[i].Host)
		c.StoreCodes.Hosts[i].Code = strings.TrimSpace(c.StoreCodes.Hosts[i].Code)
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %s", validationMessage(err))
	}
	if len(c.Tenancy.Tenants) > 0 {
		found := false
		for _, spec := range c.Tenancy.Tenants {
			if spec.Identifier == c.Tenancy.DefaultTenant {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("tenancy defaultTenant %q is not among the configured tenants", c.Tenancy.DefaultTenant)
		}
	}
	if _, err := storecode.NewResolver(c.StoreCodes.DevHostPatterns, c.StoreCodes.Entries()); err != nil {
		return fmt.Errorf("storeCodes: %w", err)
	}
	return nil
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
	switch fe.ActualTag() {
	case "notblank", "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be >%s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >=%s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
