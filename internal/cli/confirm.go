package cli

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/roach88/recsync/internal/collection"
	"github.com/roach88/recsync/internal/reconcile"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/transform"
)

// writeLog wraps a remote client and keeps the latest update response per
// id, so a command can wait until the session has applied its echo.
type writeLog struct {
	remote.Client

	mu      sync.Mutex
	updated map[string]record.Record
}

func newWriteLog(c remote.Client) *writeLog {
	return &writeLog{Client: c, updated: make(map[string]record.Record)}
}

func (w *writeLog) Collection(name string) remote.Collection {
	return &loggedCollection{Collection: w.Client.Collection(name), log: w}
}

func (w *writeLog) response(id string) (record.Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.updated[id]
	return r, ok
}

type loggedCollection struct {
	remote.Collection
	log *writeLog
}

var _ remote.DropReporter = (*loggedCollection)(nil)

func (c *loggedCollection) Update(ctx context.Context, id string, patch record.Record) (record.Record, error) {
	r, err := c.Collection.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.log.mu.Lock()
	c.log.updated[id] = r
	c.log.mu.Unlock()
	return r, nil
}

// Dropped forwards the wrapped collection's drop reports. A collection that
// never reports drops yields a nil channel.
func (c *loggedCollection) Dropped() <-chan error {
	if dr, ok := c.Collection.(remote.DropReporter); ok {
		return dr.Dropped()
	}
	return nil
}

// echoWaiter blocks until the local collection reflects confirmed writes.
type echoWaiter struct {
	col     *collection.Collection
	writes  *writeLog
	toLocal transform.Fields
	timeout time.Duration
}

// wait returns once every updated key shows its update response and every
// deleted key is gone from synced state.
func (e echoWaiter) wait(ctx context.Context, mutations []record.Mutation) error {
	changed := make(chan struct{}, 1)
	unsubscribe := e.col.Subscribe(func([]collection.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	for {
		missing := e.missing(mutations)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &reconcile.TimeoutWaitingForIDsError{Missing: missing, Timeout: e.timeout}
		case <-changed:
		}
	}
}

func (e echoWaiter) missing(mutations []record.Mutation) []string {
	var missing []string
	for _, m := range mutations {
		switch m.Kind {
		case record.MutationUpdate:
			if !e.updateApplied(m.Key) {
				missing = append(missing, m.Key)
			}
		case record.MutationDelete:
			if _, ok := e.col.Synced(m.Key); ok {
				missing = append(missing, m.Key)
			}
		}
	}
	return missing
}

// updateApplied reports whether the synced record for key equals the update
// response, or carries a later updated stamp from a newer write.
func (e echoWaiter) updateApplied(key string) bool {
	resp, ok := e.writes.response(key)
	if !ok {
		return true
	}
	want, err := e.toLocal.Apply(resp)
	if err != nil {
		return true
	}
	synced, ok := e.col.Synced(key)
	if !ok {
		return false
	}
	if reflect.DeepEqual(synced, want) {
		return true
	}
	got, gotOK := synced[record.FieldUpdated].(string)
	sent, sentOK := want[record.FieldUpdated].(string)
	return gotOK && sentOK && got > sent
}
