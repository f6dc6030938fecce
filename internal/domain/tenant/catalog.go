package tenant

import (
	"sync"
	"sync/atomic"
)

type snapshot struct {
	byID  map[string]Config
	order []string
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byID:  make(map[string]Config, len(s.byID)+1),
		order: make([]string, len(s.order), len(s.order)+1),
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	copy(next.order, s.order)
	return next
}

// Catalog maps tenant identifiers to their configuration. Keys are folded by NormalizeID,
// so "Store-ABC" and "store-abc" name the same tenant.
//
// Reads go through an immutable snapshot and never block; writers copy the snapshot,
// mutate the copy and publish it atomically.
type Catalog struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.current.Store(&snapshot{byID: map[string]Config{}})
	return c
}

// Load replaces the catalog contents with entries. Duplicate identifiers resolve to the last one.
func (c *Catalog) Load(entries []Config) {
	next := &snapshot{
		byID:  make(map[string]Config, len(entries)),
		order: make([]string, 0, len(entries)),
	}
	for _, entry := range entries {
		id := NormalizeID(entry.Identifier)
		if id == "" {
			continue
		}
		entry.Identifier = id
		if _, seen := next.byID[id]; !seen {
			next.order = append(next.order, id)
		}
		next.byID[id] = entry
	}

	c.writeMu.Lock()
	c.current.Store(next)
	c.writeMu.Unlock()
}

// Lookup returns the configuration registered for identifier.
func (c *Catalog) Lookup(identifier string) (Config, bool) {
	cfg, ok := c.current.Load().byID[NormalizeID(identifier)]
	return cfg, ok
}

// Upsert inserts or overwrites the entry for cfg.Identifier.
func (c *Catalog) Upsert(cfg Config) {
	id := NormalizeID(cfg.Identifier)
	if id == "" {
		return
	}
	cfg.Identifier = id

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	next := c.current.Load().clone()
	if _, exists := next.byID[id]; !exists {
		next.order = append(next.order, id)
	}
	next.byID[id] = cfg
	c.current.Store(next)
}

// Remove deletes the entry for identifier and reports whether it existed.
func (c *Catalog) Remove(identifier string) bool {
	id := NormalizeID(identifier)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cur := c.current.Load()
	if _, exists := cur.byID[id]; !exists {
		return false
	}
	next := cur.clone()
	delete(next.byID, id)
	for i, existing := range next.order {
		if existing == id {
			next.order = append(next.order[:i], next.order[i+1:]...)
			break
		}
	}
	c.current.Store(next)
	return true
}

// List returns all entries in first-registration order.
func (c *Catalog) List() []Config {
	snap := c.current.Load()
	out := make([]Config, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.byID[id])
	}
	return out
}

// Len returns the number of registered tenants.
func (c *Catalog) Len() int {
	return len(c.current.Load().byID)
}
