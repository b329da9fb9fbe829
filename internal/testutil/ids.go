package testutil

import (
	"fmt"
	"sync"
)

// FixedIDs hands out predetermined identifiers in order, then falls back to
// "<prefix>-<n>" once the list is exhausted.
//
// Scripted remotes use it so created records get stable ids and golden
// traces stay byte-identical across runs.
//
// Thread-safety: FixedIDs is safe for concurrent use via internal mutex.
type FixedIDs struct {
	mu     sync.Mutex
	ids    []string
	prefix string
	n      int
}

// NewFixedIDs creates a generator returning ids in order.
// An empty prefix defaults to "rec".
func NewFixedIDs(prefix string, ids ...string) *FixedIDs {
	if prefix == "" {
		prefix = "rec"
	}
	return &FixedIDs{ids: ids, prefix: prefix}
}

// Next returns the next identifier.
func (g *FixedIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n++
	if len(g.ids) > 0 {
		id := g.ids[0]
		g.ids = g.ids[1:]
		return id
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
