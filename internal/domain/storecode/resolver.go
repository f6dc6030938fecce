// Package storecode derives short store codes from request origin hosts.
package storecode

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultDevHostPatterns matches hosts served from development sandboxes.
var DefaultDevHostPatterns = []string{"*.replit.dev*"}

// Entry maps a full origin host string to a store code.
type Entry struct {
	Host string
	Code string
}

// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	devHosts []glob.Glob
	codes    map[string]string
}

// NewResolver compiles the development host patterns and indexes the host table.
// A later entry for the same host overrides an earlier one.
func NewResolver(devHostPatterns []string, entries []Entry) (*Resolver, error) {
	r := &Resolver{
		devHosts: make([]glob.Glob, 0, len(devHostPatterns)),
		codes:    make(map[string]string, len(entries)),
	}
	for _, pattern := range devHostPatterns {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			continue
		}
		g, err := glob.Compile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("compile dev host pattern %q: %w", trimmed, err)
		}
		r.devHosts = append(r.devHosts, g)
	}
	for _, entry := range entries {
		host := strings.TrimSpace(entry.Host)
		code := strings.TrimSpace(entry.Code)
		if host == "" {
			return nil, fmt.Errorf("store code entry requires a host")
		}
		if code == "" {
			return nil, fmt.Errorf("store code entry for %q requires a code", host)
		}
		r.codes[host] = code
	}
	return r, nil
}

// Resolve returns the store code for host.
//
// ok is false when no store-code filtering applies. A development host yields ("", true):
// filtering is explicitly disabled, which callers comparing codes must not confuse with
// the absence of a mapping.
func (r *Resolver) Resolve(host string) (code string, ok bool) {
	if r == nil || strings.TrimSpace(host) == "" {
		return "", false
	}
	for _, g := range r.devHosts {
		if g.Match(host) {
			return "", true
		}
	}
	if code, found := r.codes[host]; found {
		return code, true
	}
	return "", false
}

// Len returns the number of host mappings.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.codes)
}
