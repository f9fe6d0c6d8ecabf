// Package versions answers what the newest major version of each browser is.
// The shipped table is a floor; deployments override it from config or push
// updates through the ops API as releases happen.
package versions

import (
	"context"
	"strings"
	"sync"
)

// defaultLatest is the shipped version floor per browser family.
func defaultLatest() map[string]int {
	return map[string]int{
		"chrome":  139,
		"firefox": 141,
		"safari":  18,
		"edge":    139,
		"opera":   120,
		"brave":   139,
	}
}

// Static implements contracts.BrowserVersionService over an in-memory table.
type Static struct {
	mu     sync.RWMutex
	latest map[string]int
}

// NewStatic builds the service with optional overrides merged over the
// shipped table.
func NewStatic(overrides map[string]int) *Static {
	table := defaultLatest()
	for name, v := range overrides {
		if v > 0 {
			table[strings.ToLower(name)] = v
		}
	}
	return &Static{latest: table}
}

// GetLatestVersion implements contracts.BrowserVersionService.
func (s *Static) GetLatestVersion(_ context.Context, browserName string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.latest[strings.ToLower(browserName)]
	return v, ok
}

// SetLatestVersion updates one entry, used by the ops API.
func (s *Static) SetLatestVersion(browserName string, version int) {
	if version <= 0 {
		return
	}
	s.mu.Lock()
	s.latest[strings.ToLower(browserName)] = version
	s.mu.Unlock()
}

// Snapshot returns a copy of the table, for the status endpoint.
func (s *Static) Snapshot() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}
