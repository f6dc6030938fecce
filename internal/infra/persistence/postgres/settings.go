// Package postgres builds per-tenant pgx connection pools.
package postgres

import (
	"fmt"
	"time"
)

// PoolSettings are the fixed pool limits applied to every tenant pool.
type PoolSettings struct {
	MaxConns          int32
	MinConns          int32
	MaxConnIdleTime   time.Duration
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration

	// ConnectAttempts bounds how many times one pool build dials and pings the server.
	ConnectAttempts      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultPoolSettings mirrors the limits the POS backend has always run with:
// ten connections, a one minute idle timeout and a ten second connect timeout.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		MaxConns:             10,
		MinConns:             0,
		MaxConnIdleTime:      60 * time.Second,
		MaxConnLifetime:      30 * time.Minute,
		HealthCheckPeriod:    30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ConnectAttempts:      3,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultPoolSettings.
func (s PoolSettings) WithDefaults() PoolSettings {
	def := DefaultPoolSettings()
	if s.MaxConns <= 0 {
		s.MaxConns = def.MaxConns
	}
	if s.MinConns < 0 {
		s.MinConns = 0
	}
	if s.MinConns > s.MaxConns {
		s.MinConns = s.MaxConns
	}
	if s.MaxConnIdleTime <= 0 {
		s.MaxConnIdleTime = def.MaxConnIdleTime
	}
	if s.MaxConnLifetime <= 0 {
		s.MaxConnLifetime = def.MaxConnLifetime
	}
	if s.HealthCheckPeriod <= 0 {
		s.HealthCheckPeriod = def.HealthCheckPeriod
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.ConnectTimeout
	}
	if s.ConnectAttempts <= 0 {
		s.ConnectAttempts = def.ConnectAttempts
	}
	if s.RetryInitialInterval <= 0 {
		s.RetryInitialInterval = def.RetryInitialInterval
	}
	if s.RetryMaxInterval < s.RetryInitialInterval {
		s.RetryMaxInterval = s.RetryInitialInterval
	}
	return s
}

// Validate checks that explicitly provided settings are coherent.
func (s PoolSettings) Validate() error {
	if s.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if s.MinConns < 0 || s.MinConns > s.MaxConns {
		return fmt.Errorf("minConns must be between 0 and maxConns")
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connectTimeout must be >0")
	}
	if s.ConnectAttempts <= 0 {
		return fmt.Errorf("connectAttempts must be >0")
	}
	return nil
}

// BuildBudget is the longest a single pool build may take including retries.
func (s PoolSettings) BuildBudget() time.Duration {
	s = s.WithDefaults()
	attempts := time.Duration(s.ConnectAttempts)
	return attempts*s.ConnectTimeout + (attempts-1)*s.RetryMaxInterval
}
