// Package rename tracks temporary identifiers whose creation has been
// acknowledged under a different, remote-assigned identifier.
//
// A mapping is recorded when a create response comes back and consumed
// exactly once, when the matching creation is reconciled into the local
// collection.
package rename

import (
	"log/slog"
	"sync"
)

// Map holds tempID → realID associations with a reverse index for lookup by
// the confirmed identifier.
//
// Two temp ids mapping to the same real id would mean the remote store
// returned one identifier for two creations. That is treated as a broken
// precondition: the later mapping replaces the earlier one.
type Map struct {
	mu      sync.Mutex
	forward map[string]string // tempID -> realID
	reverse map[string]string // realID -> tempID
	logger  *slog.Logger
}

// New creates an empty map. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{
		forward: make(map[string]string),
		reverse: make(map[string]string),
		logger:  logger,
	}
}

// Record stores tempID → realID. It is a no-op when the ids are equal or
// either is empty, and reports whether a mapping was stored.
func (m *Map) Record(tempID, realID string) bool {
	if tempID == "" || realID == "" || tempID == realID {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prevReal, ok := m.forward[tempID]; ok && prevReal != realID {
		delete(m.reverse, prevReal)
	}
	if prevTemp, ok := m.reverse[realID]; ok && prevTemp != tempID {
		m.logger.Warn("confirmed id already mapped to another temp id",
			"real_id", realID,
			"previous_temp_id", prevTemp,
			"temp_id", tempID,
		)
		delete(m.forward, prevTemp)
	}
	m.forward[tempID] = realID
	m.reverse[realID] = tempID
	return true
}

// ResolveByRealID returns the temp id mapped to realID and removes the
// mapping.
func (m *Map) ResolveByRealID(realID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tempID, ok := m.reverse[realID]
	if !ok {
		return "", false
	}
	delete(m.reverse, realID)
	delete(m.forward, tempID)
	return tempID, true
}

// Pending returns the real id recorded for tempID without consuming it.
func (m *Map) Pending(tempID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	realID, ok := m.forward[tempID]
	return realID, ok
}

// Len returns the number of unconsumed mappings.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forward)
}
