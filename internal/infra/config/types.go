package config

import (
	"strings"

	"github.com/coachpo/tenantgate/internal/domain/tenant"
)

// Environment identifies the runtime environment where tenantgate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SecurityAuto asks the loader to pick a tenant's security mode from the host rules.
const SecurityAuto = "auto"

// HostRule assigns a security mode to tenants whose connection string contains Contains.
type HostRule struct {
	Contains string `yaml:"contains" validate:"notblank"`
	Security string `yaml:"security" validate:"oneof=default disable insecure verify-full"`
}

// DefaultHostRules reproduce the legacy deployment: the self-hosted database server runs
// without TLS and the managed provider is reached over TLS without verification.
func DefaultHostRules() []HostRule {
	return []HostRule{
		{Contains: "1.55.212.135", Security: string(tenant.SecurityDisable)},
		{Contains: "neon", Security: string(tenant.SecurityInsecure)},
	}
}

// inferSecurity applies the first rule whose fragment appears in dsn.
func inferSecurity(rules []HostRule, dsn string) tenant.SecurityMode {
	for _, rule := range rules {
		if rule.Contains != "" && strings.Contains(dsn, rule.Contains) {
			return tenant.SecurityMode(rule.Security)
		}
	}
	return tenant.SecurityDefault
}
