package harness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/testutil"
)

// scriptedRemote is an in-memory authoritative store with scripted ids,
// echo behaviour and injected failures. It serves a single collection.
type scriptedRemote struct {
	mu       sync.Mutex
	name     string
	records  map[string]record.Record
	order    []string
	ids      *testutil.FixedIDs
	echo     string
	buffered []record.Event
	handler  remote.Handler
	failNext error
	calls    []string
	hub      *remote.Hub

	// inflight counts async deliveries not yet handed to the subscriber.
	inflight atomic.Int64
}

func newScriptedRemote(name string, setup RemoteSetup, logger *slog.Logger) *scriptedRemote {
	r := &scriptedRemote{
		name:     name,
		records:  make(map[string]record.Record),
		ids:      testutil.NewFixedIDs("rec", setup.IDs...),
		echo:     setup.Echo,
		buffered: setup.Buffered,
		hub:      remote.NewHub(logger),
	}
	if r.echo == "" {
		r.echo = EchoSync
	}
	for _, rec := range setup.Records {
		r.records[rec.ID()] = rec.Clone()
		r.order = append(r.order, rec.ID())
	}
	return r
}

func (r *scriptedRemote) Collection(string) remote.Collection { return r }

func (r *scriptedRemote) close() { r.hub.Close() }

func (r *scriptedRemote) Subscribe(_ context.Context, topic string, h remote.Handler) (func(), error) {
	unsubscribe := r.hub.Subscribe(r.name, topic, func(ev record.Event) {
		h(ev)
		r.inflight.Add(-1)
	})
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
	return func() {
		unsubscribe()
		r.mu.Lock()
		r.handler = nil
		r.mu.Unlock()
	}, nil
}

// FullList delivers the buffered events first, so they reach the session
// while its bulk load is still in flight.
func (r *scriptedRemote) FullList(_ context.Context, opts remote.FetchOptions) ([]record.Record, error) {
	r.mu.Lock()
	buffered := r.buffered
	r.buffered = nil
	r.mu.Unlock()
	for _, ev := range buffered {
		r.deliver(ev)
	}

	r.mu.Lock()
	out := make([]record.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	r.mu.Unlock()
	return remote.Apply(out, opts, r.lookup)
}

func (r *scriptedRemote) lookup(id string) (record.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *scriptedRemote) Create(_ context.Context, payload record.Record) (record.Record, error) {
	r.mu.Lock()
	if err := r.takeFailure("create"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	id := payload.ID()
	if id == "" {
		id = r.ids.Next()
	}
	rec := payload.Merge(record.Record{record.FieldID: id})
	r.records[id] = rec
	r.order = append(r.order, id)
	r.calls = append(r.calls, "create "+id)
	r.mu.Unlock()

	r.echoEvent(record.Event{Kind: record.EventCreated, Record: rec.Clone()})
	return rec.Clone(), nil
}

func (r *scriptedRemote) Update(_ context.Context, id string, patch record.Record) (record.Record, error) {
	r.mu.Lock()
	if err := r.takeFailure("update " + id); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	current, ok := r.records[id]
	if !ok {
		r.calls = append(r.calls, "update "+id+" !not found")
		r.mu.Unlock()
		return nil, remote.ErrNotFound
	}
	rec := current.Merge(patch.Without(record.FieldID))
	r.records[id] = rec
	r.calls = append(r.calls, "update "+id)
	r.mu.Unlock()

	r.echoEvent(record.Event{Kind: record.EventModified, Record: rec.Clone()})
	return rec.Clone(), nil
}

func (r *scriptedRemote) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	if err := r.takeFailure("delete " + id); err != nil {
		r.mu.Unlock()
		return err
	}
	current, ok := r.records[id]
	if !ok {
		r.calls = append(r.calls, "delete "+id+" !not found")
		r.mu.Unlock()
		return remote.ErrNotFound
	}
	delete(r.records, id)
	for i, k := range r.order {
		if k == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.calls = append(r.calls, "delete "+id)
	r.mu.Unlock()

	r.echoEvent(record.Event{Kind: record.EventRemoved, Record: current})
	return nil
}

// fail makes the next write return an error with msg.
func (r *scriptedRemote) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = errors.New(msg)
}

// takeFailure must be called with mu held.
func (r *scriptedRemote) takeFailure(call string) error {
	err := r.failNext
	if err == nil {
		return nil
	}
	r.failNext = nil
	r.calls = append(r.calls, call+" !"+err.Error())
	return err
}

// emit applies ev to the store as an external writer would and delivers
// it regardless of echo mode.
func (r *scriptedRemote) emit(ev record.Event) {
	r.mu.Lock()
	id := ev.Record.ID()
	switch ev.Kind {
	case record.EventCreated, record.EventModified:
		if _, ok := r.records[id]; !ok {
			r.order = append(r.order, id)
		}
		r.records[id] = ev.Record.Clone()
	case record.EventRemoved:
		if _, ok := r.records[id]; ok {
			delete(r.records, id)
			for i, k := range r.order {
				if k == id {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		}
	}
	r.mu.Unlock()
	r.deliver(ev)
}

func (r *scriptedRemote) echoEvent(ev record.Event) {
	if r.echo == EchoOff {
		return
	}
	r.deliver(ev)
}

func (r *scriptedRemote) deliver(ev record.Event) {
	if r.echo == EchoAsync {
		r.inflight.Add(1)
		r.hub.Publish(r.name, ev)
		return
	}
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// idle reports whether every async delivery has reached the subscriber.
func (r *scriptedRemote) idle() bool {
	return r.inflight.Load() == 0
}

func (r *scriptedRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}
