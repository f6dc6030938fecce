// Package httpserver exposes the tenant administration and resolution endpoints.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/tenantgate/errs"
	"github.com/coachpo/tenantgate/internal/app/tenancy"
	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/persistence/postgres"
	"github.com/coachpo/tenantgate/internal/infra/poolcache"
	"github.com/coachpo/tenantgate/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	// statusClientClosedRequest reports a caller that went away before its pool was ready.
	statusClientClosedRequest = 499
)

// Options configures the HTTP handler.
type Options struct {
	Logger         observability.Logger
	Gatherer       prometheus.Gatherer
	Metrics        *Metrics
	RequestTimeout time.Duration
}

type httpServer[P poolcache.Pool] struct {
	manager *tenancy.Manager[P]
	logger  observability.Logger
}

type tenantPayload struct {
	Identifier       string `json:"identifier"`
	DisplayName      string `json:"displayName"`
	Active           *bool  `json:"active,omitempty"`
	ConnectionString string `json:"connectionString"`
	Security         string `json:"security,omitempty"`
}

type tenantView struct {
	Identifier       string `json:"identifier"`
	DisplayName      string `json:"displayName"`
	Active           bool   `json:"active"`
	ConnectionString string `json:"connectionString"`
	Security         string `json:"security"`
}

type resolutionView struct {
	Requested string     `json:"requested"`
	Tenant    tenantView `json:"tenant"`
	Fallback  bool       `json:"fallback"`
	Cached    bool       `json:"cached"`
}

type storeCodeView struct {
	Host   string  `json:"host"`
	Code   *string `json:"code"`
	Filter bool    `json:"filter"`
}

type poolStatsReporter interface {
	Stats() postgres.PoolStats
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewHandler builds the chi router for manager.
func NewHandler[P poolcache.Pool](manager *tenancy.Manager[P], opts Options) http.Handler {
	logger := observability.OrGlobal(opts.Logger)
	server := &httpServer[P]{manager: manager, logger: logger}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger, opts.Metrics))
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", server.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", server.listTenants)
		r.Post("/", server.createTenant)
		r.Get("/{id}", server.getTenant)
		r.Delete("/{id}", server.deleteTenant)
		r.Get("/{id}/resolution", server.resolveTenant)
	})
	r.Get("/store-code", server.storeCode)
	r.Get("/pools", server.listPools)

	r.With(TenantPool(manager, logger)).Get("/tenant/ping", server.pingTenant)

	return r
}

func (s *httpServer[P]) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer[P]) listTenants(w http.ResponseWriter, _ *http.Request) {
	tenants := s.manager.Tenants()
	out := make([]tenantView, 0, len(tenants))
	for _, cfg := range tenants {
		out = append(out, toTenantView(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants":       out,
		"defaultTenant": s.manager.DefaultTenant(),
	})
}

func (s *httpServer[P]) getTenant(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.manager.Tenant(chi.URLParam(r, "id"))
	if err != nil {
		writeTenancyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantView(cfg))
}

func (s *httpServer[P]) createTenant(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeTenantPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	cfg := tenant.Config{
		Identifier:       tenant.NormalizeID(payload.Identifier),
		ConnectionString: strings.TrimSpace(payload.ConnectionString),
		DisplayName:      strings.TrimSpace(payload.DisplayName),
		Active:           payload.Active == nil || *payload.Active,
	}
	security, err := tenant.ParseSecurityMode(payload.Security)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.Security = security
	if cfg.DisplayName == "" {
		cfg.DisplayName = strings.TrimSpace(payload.Identifier)
	}
	if err := s.manager.AddTenant(cfg); err != nil {
		writeTenancyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTenantView(cfg))
}

func (s *httpServer[P]) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.manager.RemoveTenant(id) {
		writeTenancyError(w, errs.NotFound(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer[P]) resolveTenant(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		writeTenancyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionView{
		Requested: res.Requested,
		Tenant:    toTenantView(res.Tenant),
		Fallback:  res.Fallback,
		Cached:    res.Cached,
	})
}

func (s *httpServer[P]) storeCode(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	view := storeCodeView{Host: host}
	if code, ok := s.manager.StoreCode(host); ok {
		view.Code = &code
		view.Filter = code != ""
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer[P]) listPools(w http.ResponseWriter, _ *http.Request) {
	pools := make([]postgres.PoolStats, 0)
	for _, pool := range s.manager.Pools() {
		if reporter, ok := any(pool).(poolStatsReporter); ok {
			pools = append(pools, reporter.Stats())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cache": s.manager.PoolStats(),
		"pools": pools,
	})
}

func (s *httpServer[P]) pingTenant(w http.ResponseWriter, r *http.Request) {
	pool, ok := PoolFromContext[P](r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "tenant pool missing from request context")
		return
	}
	if p, ok := any(pool).(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("ping tenant database: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant": TenantFromContext(r.Context()),
		"status": "ok",
	})
}

func toTenantView(cfg tenant.Config) tenantView {
	security := string(cfg.Security)
	if security == "" {
		security = string(tenant.SecurityDefault)
	}
	return tenantView{
		Identifier:       cfg.Identifier,
		DisplayName:      cfg.DisplayName,
		Active:           cfg.Active,
		ConnectionString: tenant.RedactDSN(cfg.ConnectionString),
		Security:         security,
	}
}

func decodeTenantPayload(r *http.Request) (tenantPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload tenantPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// writeTenancyError maps tenancy failures onto HTTP statuses. Retryable failures carry a
// Retry-After hint.
func writeTenancyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		writeError(w, statusClientClosedRequest, "request cancelled")
		return
	case errors.Is(err, context.DeadlineExceeded) && errs.CodeOf(err) == "":
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for tenant pool")
		return
	}

	var env *errs.E
	if !errors.As(err, &env) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := env.HTTP
	if status == 0 {
		status = statusForCode(env.Code)
	}
	if env.Retryable() {
		retryAfter := "1"
		if env.Code == errs.CodePoolCreation {
			retryAfter = "5"
		}
		w.Header().Set("Retry-After", retryAfter)
	}
	message := env.Message
	if message == "" {
		message = string(env.Code)
	}
	writeJSON(w, status, map[string]any{
		"status":    "error",
		"error":     message,
		"code":      env.Code,
		"tenant":    env.Tenant,
		"retryable": env.Retryable(),
	})
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeInactive:
		return http.StatusForbidden
	case errs.CodePoolCreation, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
