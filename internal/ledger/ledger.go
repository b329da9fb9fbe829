// Package ledger records identifiers the remote store has acknowledged.
//
// An entry's presence means the remote store confirmed a record with that
// identifier at or before the entry's timestamp: through bulk load, a
// realtime event, or a write response. Entries older than the retention
// window are dropped by a periodic sweep. Pruning is unconditional; waiters
// rely on fresh confirmations, not on entries surviving.
//
// The ledger is written from the bulk-load path, the event loop, dispatcher
// goroutines and the sweep, so all access is serialized with a mutex. No
// operation blocks.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long an entry stays after its last sighting.
	DefaultRetention = 5 * time.Minute

	// DefaultSweepInterval is how often Run prunes.
	DefaultSweepInterval = 60 * time.Second
)

// Clock supplies wall time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Ledger is a time-stamped set of confirmed identifiers.
type Ledger struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	changed chan struct{}

	clock         Clock
	retention     time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for timestamps and pruning.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithRetention overrides the retention window.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// WithSweepInterval overrides how often Run prunes.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) { l.sweepInterval = d }
}

// WithLogger sets the logger used by the sweep.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		seen:          make(map[string]time.Time),
		changed:       make(chan struct{}),
		clock:         SystemClock,
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MarkSeen records or refreshes the timestamp for each id and wakes every
// goroutine waiting on Changed.
func (l *Ledger) MarkSeen(ids ...string) {
	if len(ids) == 0 {
		return
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		l.seen[id] = now
	}
	close(l.changed)
	l.changed = make(chan struct{})
}

// Changed returns a channel closed by the next MarkSeen call.
//
// Callers must re-check HasAll after the channel fires; a wake-up only
// means the ledger changed.
func (l *Ledger) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Has reports whether id is present.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// HasAll reports whether every id is present. An empty set is trivially
// present.
func (l *Ledger) HasAll(ids []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if _, ok := l.seen[id]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the ids not present, preserving request order.
func (l *Ledger) Missing(ids []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []string
	for _, id := range ids {
		if _, ok := l.seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// LastSeen returns the timestamp recorded for id.
func (l *Ledger) LastSeen(id string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.seen[id]
	return ts, ok
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Prune removes entries last seen before now minus the retention window
// and returns how many were removed.
func (l *Ledger) Prune() int {
	cutoff := l.clock.Now().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, ts := range l.seen {
		if ts.Before(cutoff) {
			delete(l.seen, id)
			removed++
		}
	}
	return removed
}

// Run prunes every sweep interval until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				l.logger.Debug("ledger pruned", "removed", n, "remaining", l.Len())
			}
		}
	}
}
