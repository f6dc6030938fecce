// Package telemetry provides OpenTelemetry wiring and semantic conventions for tenantgate.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tenantgate telemetry.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTenant is the identifier a caller asked for.
	AttrTenant = attribute.Key("tenant")
	// AttrResolvedTenant is the catalog entry the request was served from (differs on fallback).
	AttrResolvedTenant = attribute.Key("tenant.resolved")
	// AttrSecurityMode records the TLS policy applied to a pool.
	AttrSecurityMode = attribute.Key("db.security_mode")
	// AttrPoolID identifies one pool instance across its lifetime.
	AttrPoolID = attribute.Key("db.pool_id")
	// AttrAttempt counts connect attempts for one pool build.
	AttrAttempt = attribute.Key("attempt")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// PoolAttributes returns common attributes for per-pool metrics.
func PoolAttributes(environment, tenant, resolved, poolID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTenant.String(tenant),
	}
	if resolved != "" {
		attrs = append(attrs, AttrResolvedTenant.String(resolved))
	}
	if poolID != "" {
		attrs = append(attrs, AttrPoolID.String(poolID))
	}
	return attrs
}
