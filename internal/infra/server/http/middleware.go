package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coachpo/tenantgate/internal/app/tenancy"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/poolcache"
	"github.com/coachpo/tenantgate/internal/observability"
)

// TenantHeader explicitly names the tenant, overriding the Host header.
const TenantHeader = "X-Tenant"

type (
	tenantKey struct{}
	poolKey   struct{}
)

// TenantFromContext returns the identifier TenantPool extracted for the request.
func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// PoolFromContext returns the pool TenantPool attached to the request.
func PoolFromContext[P any](ctx context.Context) (P, bool) {
	pool, ok := ctx.Value(poolKey{}).(P)
	return pool, ok
}

// TenantIdentifier reads the tenant identifier from the X-Tenant header, falling back to the
// first DNS label of the Host header. The result is folded with tenant.NormalizeID.
func TenantIdentifier(r *http.Request) string {
	if id := tenant.NormalizeID(r.Header.Get(TenantHeader)); id != "" {
		return id
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return tenant.NormalizeID(label)
}

// TenantPool acquires the request's tenant pool and stores it in the request context.
// Unknown identifiers are served by the default tenant; failures end the request with the
// matching status.
func TenantPool[P poolcache.Pool](manager *tenancy.Manager[P], logger observability.Logger) func(http.Handler) http.Handler {
	logger = observability.OrGlobal(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := TenantIdentifier(r)
			pool, err := manager.Connection(r.Context(), id)
			if err != nil {
				logger.Warn("tenant pool unavailable",
					observability.F("tenant", id),
					observability.F("request_id", middleware.GetReqID(r.Context())),
					observability.F("error", err))
				writeTenancyError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey{}, id)
			ctx = context.WithValue(ctx, poolKey{}, pool)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger logs each request and records its latency under the matched route pattern.
func requestLogger(logger observability.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.observe(route, r.Method, ww.Status(), elapsed)
			logger.Debug("http request",
				observability.F("method", r.Method),
				observability.F("route", route),
				observability.F("status", ww.Status()),
				observability.F("duration_ms", elapsed.Milliseconds()),
				observability.F("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
