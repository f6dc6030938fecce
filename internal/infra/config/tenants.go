package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/observability"
)

// TenantSpec is one tenant entry as written in the configuration file. The connection string
// comes from DSN, else the first non-empty variable in DSNEnv, else the DSNSecret secret.
type TenantSpec struct {
	Identifier  string   `yaml:"identifier" validate:"notblank"`
	DisplayName string   `yaml:"displayName"`
	Active      *bool    `yaml:"active"`
	DSNEnv      []string `yaml:"dsnEnv"`
	DSN         string   `yaml:"dsn"`
	DSNSecret   string   `yaml:"dsnSecret"`
	Security    string   `yaml:"security" validate:"oneof=auto default disable insecure verify-full"`
}

func (s *TenantSpec) normalise() {
	s.DisplayName = strings.TrimSpace(s.DisplayName)
	if s.DisplayName == "" {
		s.DisplayName = strings.TrimSpace(s.Identifier)
	}
	s.Identifier = tenant.NormalizeID(s.Identifier)
	s.DSN = strings.TrimSpace(s.DSN)
	s.DSNSecret = strings.TrimSpace(s.DSNSecret)
	envs := s.DSNEnv[:0]
	for _, name := range s.DSNEnv {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			envs = append(envs, trimmed)
		}
	}
	s.DSNEnv = envs
	s.Security = strings.ToLower(strings.TrimSpace(s.Security))
	if s.Security == "" {
		s.Security = SecurityAuto
	}
}

// IsActive reports the active flag, which defaults to true.
func (s TenantSpec) IsActive() bool {
	return s.Active == nil || *s.Active
}

// SecretSource fetches secret payloads by identifier.
type SecretSource interface {
	SecretString(ctx context.Context, id string) (string, error)
}

// Skipped records a tenant entry left out of the catalog.
type Skipped struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
}

// ResolveTenants turns the configured entries into catalog entries. Entries whose
// connection string cannot be resolved are skipped with a warning rather than registered
// with an empty string. A repeated identifier is kept and logged; the catalog lets the
// later entry win. secrets may be nil when no entry uses dsnSecret.
func ResolveTenants(ctx context.Context, cfg AppConfig, secrets SecretSource, logger observability.Logger) ([]tenant.Config, []Skipped) {
	logger = observability.OrGlobal(logger)
	out := make([]tenant.Config, 0, len(cfg.Tenancy.Tenants))
	var skipped []Skipped
	seen := make(map[string]struct{}, len(cfg.Tenancy.Tenants))

	for _, spec := range cfg.Tenancy.Tenants {
		if _, dup := seen[spec.Identifier]; dup {
			logger.Warn("duplicate tenant identifier, later entry wins",
				observability.F("tenant", spec.Identifier))
		}
		seen[spec.Identifier] = struct{}{}

		dsn, source, err := resolveDSN(ctx, spec, secrets)
		if err == nil && dsn == "" {
			err = fmt.Errorf("connection string unresolved")
		}
		var security tenant.SecurityMode
		if err == nil {
			security, err = securityFor(spec, cfg.Tenancy.HostRules, dsn)
		}
		if err != nil {
			skipped = append(skipped, Skipped{Identifier: spec.Identifier, Reason: err.Error()})
			logger.Warn("tenant skipped",
				observability.F("tenant", spec.Identifier),
				observability.F("reason", err.Error()))
			continue
		}

		out = append(out, tenant.Config{
			Identifier:       spec.Identifier,
			ConnectionString: dsn,
			DisplayName:      spec.DisplayName,
			Active:           spec.IsActive(),
			Security:         security,
		})
		logger.Debug("tenant resolved",
			observability.F("tenant", spec.Identifier),
			observability.F("source", source),
			observability.F("security", string(security)))
	}
	return out, skipped
}

func resolveDSN(ctx context.Context, spec TenantSpec, secrets SecretSource) (dsn string, source string, err error) {
	if spec.DSN != "" {
		return spec.DSN, "literal", nil
	}
	for _, name := range spec.DSNEnv {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, "env:" + name, nil
		}
	}
	if spec.DSNSecret == "" {
		if len(spec.DSNEnv) > 0 {
			return "", "", fmt.Errorf("none of %s is set", strings.Join(spec.DSNEnv, ", "))
		}
		return "", "", nil
	}
	if secrets == nil {
		return "", "", fmt.Errorf("secret %q requested but no secret source is configured", spec.DSNSecret)
	}
	v, err := secrets.SecretString(ctx, spec.DSNSecret)
	if err != nil {
		return "", "", fmt.Errorf("read secret %q: %w", spec.DSNSecret, err)
	}
	return strings.TrimSpace(v), "secret:" + spec.DSNSecret, nil
}

func securityFor(spec TenantSpec, rules []HostRule, dsn string) (tenant.SecurityMode, error) {
	if spec.Security == SecurityAuto {
		return inferSecurity(rules, dsn), nil
	}
	return tenant.ParseSecurityMode(spec.Security)
}
