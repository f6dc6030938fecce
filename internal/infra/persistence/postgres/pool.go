package postgres

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tenantgate/internal/domain/tenant"
)

// PoolStats is a point-in-time view of one tenant pool.
type PoolStats struct {
	ID              string        `json:"id"`
	Tenant          string        `json:"tenant"`
	Resolved        string        `json:"resolved"`
	Security        string        `json:"security"`
	TotalConns      int32         `json:"totalConns"`
	IdleConns       int32         `json:"idleConns"`
	AcquiredConns   int32         `json:"acquiredConns"`
	MaxConns        int32         `json:"maxConns"`
	AcquireCount    int64         `json:"acquireCount"`
	AcquireDuration time.Duration `json:"acquireDuration"`
}

// Pool is a tenant-bound pgx pool. Handlers borrow it for queries and never close it;
// the pool cache owns its lifetime.
type Pool struct {
	*pgxpool.Pool

	// ID is unique per pool instance.
	ID string
	// Tenant is the identifier the pool is cached under.
	Tenant string
	// Resolved is the catalog entry the pool connects to; differs from Tenant on fallback.
	Resolved string
	Security tenant.SecurityMode

	closeOnce  sync.Once
	unregister func()
}

// Close stops metric collection and closes the underlying pool. It blocks until every
// acquired connection has been released.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		if p.unregister != nil {
			p.unregister()
		}
		if p.Pool != nil {
			p.Pool.Close()
		}
	})
}

// Stats summarises the pool for diagnostics endpoints.
func (p *Pool) Stats() PoolStats {
	if p == nil || p.Pool == nil {
		return PoolStats{}
	}
	stat := p.Pool.Stat()
	return PoolStats{
		ID:              p.ID,
		Tenant:          p.Tenant,
		Resolved:        p.Resolved,
		Security:        string(p.Security),
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration(),
	}
}
