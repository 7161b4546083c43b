// Package dedupe remembers recent webhook delivery ids so retried deliveries
// are acknowledged without being ingested twice.
package dedupe

import "sync"

// DefaultLimit is the number of ids remembered when no limit is given.
const DefaultLimit = 1024

// Recent is a fixed-size set of the most recently added ids. Once full, the
// oldest id is forgotten.
type Recent struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	next  int
}

// NewRecent creates a set holding up to limit ids.
func NewRecent(limit int) *Recent {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Recent{
		seen:  make(map[string]struct{}, limit),
		order: make([]string, limit),
	}
}

// Add records id and reports whether it was new. Empty ids are never
// remembered and always count as new.
func (r *Recent) Add(id string) bool {
	if id == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.order[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.order)
	return true
}
