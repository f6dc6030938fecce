// Package errs provides structured error types and helpers for tenantgate services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a tenancy error category.
type Code string

const (
	// CodeNotFound indicates the tenant identifier is absent from the catalog.
	CodeNotFound Code = "not_found"
	// CodeConfiguration indicates no usable database identity could be established.
	CodeConfiguration Code = "configuration"
	// CodePoolCreation indicates a network or authentication failure while building a pool.
	CodePoolCreation Code = "pool_creation"
	// CodeInactive indicates the tenant exists but is disabled.
	CodeInactive Code = "inactive"
	// CodeUnavailable indicates the service is temporarily unable to hand out a pool.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
)

// E captures structured error information produced across the tenancy stack.
type E struct {
	Tenant      string
	Code        Code
	HTTP        int
	Message     string
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the tenant identifier and error code.
func New(tenant string, code Code, opts ...Option) *E {
	e := &E{
		Tenant: strings.TrimSpace(tenant),
		Code:   code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	tenant := strings.TrimSpace(e.Tenant)
	if tenant == "" {
		tenant = "unknown"
	}
	parts = append(parts, "tenant="+tenant)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Retryable reports whether repeating the failed operation can succeed without an operator
// changing configuration.
func (e *E) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodePoolCreation, CodeUnavailable:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of the first *E in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a retryable tenancy error.
func IsRetryable(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsNotFound reports whether err marks an unknown tenant identifier.
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}

// NotFound returns a standardized error for an unknown tenant identifier.
func NotFound(tenant string) *E {
	return New(tenant, CodeNotFound, WithMessage("tenant not registered"))
}

// Configuration returns a standardized non-retryable configuration failure.
func Configuration(tenant, msg string) *E {
	return New(tenant, CodeConfiguration,
		WithMessage(msg),
		WithRemediation("fix the tenant catalog configuration and restart"))
}
