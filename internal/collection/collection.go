// Package collection is an in-memory local collection: synced state written
// through transactions, plus an optimistic overlay owned by in-flight
// mutations.
//
// Collection implements reconcile.Sink. Observers see the overlay on top of
// synced state and are notified once per committed transaction or overlay
// change, never mid-transaction.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/roach88/recsync/internal/record"
)

// ChangeType is the kind of a visible change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one visible change delivered to subscribers.
type Change struct {
	Type  ChangeType    `json:"type"`
	Key   string        `json:"key"`
	Value record.Record `json:"value,omitempty"`
}

// Dispatcher sends a homogeneous mutation batch to the remote store and
// returns once it is confirmed. *reconcile.Session implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, mutations []record.Mutation) error
}

type overlayEntry struct {
	value   record.Record
	deleted bool
	owner   int64
}

// Collection holds records keyed by id.
type Collection struct {
	// notifyMu orders state changes with their notifications.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	synced    map[string]record.Record
	overlay   map[string]overlayEntry
	inTx      bool
	pending   []record.Op
	nextOwner int64

	ready     chan struct{}
	readyOnce sync.Once

	subsMu sync.Mutex
	subs   map[int]func([]Change)
	nextID int

	logger *slog.Logger
}

// New creates an empty collection. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		synced:  make(map[string]record.Record),
		overlay: make(map[string]overlayEntry),
		ready:   make(chan struct{}),
		subs:    make(map[int]func([]Change)),
		logger:  logger,
	}
}

// Begin starts a sync transaction.
func (c *Collection) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		c.logger.Warn("begin inside open transaction; discarding pending writes", "pending", len(c.pending))
	}
	c.inTx = true
	c.pending = c.pending[:0]
}

// Write stages op. A write outside a transaction commits on its own.
func (c *Collection) Write(op record.Op) {
	c.mu.Lock()
	if c.inTx {
		c.pending = append(c.pending, op)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Begin()
	c.Write(op)
	c.Commit()
}

// Commit applies staged writes to synced state and notifies subscribers.
// A synced delete also drops any overlay entry for the key.
func (c *Collection) Commit() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	ops := c.pending
	c.pending = nil
	c.inTx = false

	keys := opKeys(ops)
	before := c.visibleLocked(keys)
	for _, op := range ops {
		switch op.Type {
		case record.OpInsert, record.OpUpdate:
			// Realtime updates carry the full record.
			c.synced[op.Key] = op.Value.Clone()
		case record.OpDelete:
			delete(c.synced, op.Key)
			delete(c.overlay, op.Key)
		}
	}
	changes := c.diffLocked(keys, before)
	c.mu.Unlock()

	c.notify(changes)
}

// MarkReady signals that the initial load has been applied.
func (c *Collection) MarkReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
		c.logger.Debug("collection ready")
	})
}

// Ready is closed once MarkReady has been called.
func (c *Collection) Ready() <-chan struct{} {
	return c.ready
}

// Get returns the visible record for key.
func (c *Collection) Get(key string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(key)
}

// Synced returns the confirmed record for key, ignoring the overlay.
func (c *Collection) Synced(key string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.synced[key]
	return r, ok
}

// Keys returns the visible keys in sorted order.
func (c *Collection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(c.synced)+len(c.overlay))
	for k := range c.synced {
		seen[k] = struct{}{}
	}
	for k := range c.overlay {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		if _, ok := c.getLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Values returns the visible records ordered by key.
func (c *Collection) Values() []record.Record {
	keys := c.Keys()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]record.Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := c.getLocked(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of visible records.
func (c *Collection) Len() int {
	return len(c.Keys())
}

// Subscribe registers fn for visible changes. The returned function
// unsubscribes. fn runs on the goroutine that made the change and may read
// the collection.
func (c *Collection) Subscribe(fn func([]Change)) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs, id)
	}
}

// Mutate applies mutations optimistically, dispatches them and drops the
// optimistic state once the dispatcher returns, whatever the outcome.
// Confirmed state arrives through the sink.
//
// Insert mutations without a key get a temporary id. Update mutations
// without Modified get the visible record merged with Changes.
func (c *Collection) Mutate(ctx context.Context, d Dispatcher, mutations ...record.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	batch := make([]record.Mutation, len(mutations))
	copy(batch, mutations)

	owner, err := c.applyOverlay(batch)
	if err != nil {
		return err
	}
	err = d.Dispatch(ctx, batch)
	c.dropOverlay(owner, batch)
	return err
}

func (c *Collection) applyOverlay(batch []record.Mutation) (int64, error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.nextOwner++
	owner := c.nextOwner

	keys := make([]string, 0, len(batch))
	for i := range batch {
		m := &batch[i]
		switch m.Kind {
		case record.MutationInsert:
			if m.Key == "" {
				m.Key = m.Modified.ID()
			}
			if m.Key == "" {
				m.Key = record.NewTempID()
			}
			m.Modified = m.Modified.Merge(record.Record{record.FieldID: m.Key})
		case record.MutationUpdate:
			if m.Modified == nil {
				cur, _ := c.getLocked(m.Key)
				m.Modified = cur.Merge(m.Changes)
			}
		case record.MutationDelete:
		default:
			c.mu.Unlock()
			return 0, fmt.Errorf("mutate %s: unknown mutation kind %q", m.Key, m.Kind)
		}
		keys = append(keys, m.Key)
	}

	before := c.visibleLocked(keys)
	for _, m := range batch {
		if m.Kind == record.MutationDelete {
			c.overlay[m.Key] = overlayEntry{deleted: true, owner: owner}
			continue
		}
		c.overlay[m.Key] = overlayEntry{value: m.Modified, owner: owner}
	}
	changes := c.diffLocked(keys, before)
	c.mu.Unlock()

	c.notify(changes)
	return owner, nil
}

func (c *Collection) dropOverlay(owner int64, batch []record.Mutation) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	keys := make([]string, 0, len(batch))
	for _, m := range batch {
		keys = append(keys, m.Key)
	}
	before := c.visibleLocked(keys)
	for _, k := range keys {
		if e, ok := c.overlay[k]; ok && e.owner == owner {
			delete(c.overlay, k)
		}
	}
	changes := c.diffLocked(keys, before)
	c.mu.Unlock()

	c.notify(changes)
}

func (c *Collection) getLocked(key string) (record.Record, bool) {
	if e, ok := c.overlay[key]; ok {
		if e.deleted {
			return nil, false
		}
		return e.value, true
	}
	r, ok := c.synced[key]
	return r, ok
}

func (c *Collection) visibleLocked(keys []string) map[string]record.Record {
	out := make(map[string]record.Record, len(keys))
	for _, k := range keys {
		if r, ok := c.getLocked(k); ok {
			out[k] = r
		}
	}
	return out
}

// diffLocked compares the visible state of keys with before, in key order
// of first appearance.
func (c *Collection) diffLocked(keys []string, before map[string]record.Record) []Change {
	var changes []Change
	done := make(map[string]bool, len(keys))
	for _, k := range keys {
		if done[k] {
			continue
		}
		done[k] = true

		prev, had := before[k]
		cur, has := c.getLocked(k)
		switch {
		case !had && has:
			changes = append(changes, Change{Type: ChangeInsert, Key: k, Value: cur})
		case had && !has:
			changes = append(changes, Change{Type: ChangeDelete, Key: k, Value: prev})
		case had && has && !reflect.DeepEqual(prev, cur):
			changes = append(changes, Change{Type: ChangeUpdate, Key: k, Value: cur})
		}
	}
	return changes
}

func (c *Collection) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	c.subsMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(changes)
	}
}

func opKeys(ops []record.Op) []string {
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		keys = append(keys, op.Key)
	}
	return keys
}
