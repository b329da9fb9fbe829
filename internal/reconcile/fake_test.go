package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCollection is a scripted remote collection.
type fakeCollection struct {
	mu           sync.Mutex
	records      []record.Record
	handler      remote.Handler
	unsubscribed bool
	calls        []string
	payloads     []record.Record
	nextID       int

	subErr    error
	listErr   error
	listGate  chan struct{}
	createErr map[int]error // by create call index
	updateErr error
	deleteErr error
	createIDs []string
	onCreate  func(id string, payload record.Record)
	onUpdate  func(id string, rec record.Record)
	onDelete  func(id string)
	drops     chan error
}

type fakeClient struct{ coll *fakeCollection }

func (c fakeClient) Collection(string) remote.Collection { return c.coll }

func (f *fakeCollection) Subscribe(_ context.Context, _ string, h remote.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.handler = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = true
		f.handler = nil
	}, nil
}

func (f *fakeCollection) Dropped() <-chan error { return f.drops }

func (f *fakeCollection) FullList(ctx context.Context, _ remote.FetchOptions) ([]record.Record, error) {
	if f.listGate != nil {
		select {
		case <-f.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]record.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeCollection) Create(_ context.Context, payload record.Record) (record.Record, error) {
	f.mu.Lock()
	idx := len(f.payloads)
	f.calls = append(f.calls, "create")
	f.payloads = append(f.payloads, payload)
	if err := f.createErr[idx]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	var id string
	if idx < len(f.createIDs) {
		id = f.createIDs[idx]
	} else {
		f.nextID++
		id = fmt.Sprintf("r%d", f.nextID)
	}
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(id, payload)
	}
	return payload.Merge(record.Record{"id": id}), nil
}

func (f *fakeCollection) Update(_ context.Context, id string, patch record.Record) (record.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "update:"+id)
	f.payloads = append(f.payloads, patch)
	err, hook := f.updateErr, f.onUpdate
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rec := patch.Merge(record.Record{"id": id})
	if hook != nil {
		hook(id, rec)
	}
	return rec, nil
}

func (f *fakeCollection) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "delete:"+id)
	err, hook := f.deleteErr, f.onDelete
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

// emit delivers a realtime event as the store's subscription would.
func (f *fakeCollection) emit(kind record.EventKind, r record.Record) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(record.Event{Kind: kind, Record: r})
	}
}

func (f *fakeCollection) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCollection) sent() []record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Record(nil), f.payloads...)
}

// recordingSink captures committed transactions and replays them into a
// keyed state after each commit.
type recordingSink struct {
	mu     sync.Mutex
	txs    [][]record.Op
	cur    []record.Op
	inTx   bool
	state  map[string]record.Record
	states []map[string]record.Record
	ready  chan struct{}
	once   sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{state: map[string]record.Record{}, ready: make(chan struct{})}
}

func (s *recordingSink) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = true
	s.cur = nil
}

func (s *recordingSink) Write(op record.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx {
		panic("write outside transaction")
	}
	s.cur = append(s.cur, op)
}

func (s *recordingSink) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.cur {
		switch op.Type {
		case record.OpInsert, record.OpUpdate:
			s.state[op.Key] = op.Value
		case record.OpDelete:
			delete(s.state, op.Key)
		}
	}
	snapshot := make(map[string]record.Record, len(s.state))
	for k, v := range s.state {
		snapshot[k] = v
	}
	s.txs = append(s.txs, s.cur)
	s.states = append(s.states, snapshot)
	s.cur = nil
	s.inTx = false
}

func (s *recordingSink) MarkReady() { s.once.Do(func() { close(s.ready) }) }

func (s *recordingSink) transactions() [][]record.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]record.Op(nil), s.txs...)
}

func (s *recordingSink) snapshots() []map[string]record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]record.Record(nil), s.states...)
}

func (s *recordingSink) ops() []record.Op {
	var out []record.Op
	for _, tx := range s.transactions() {
		out = append(out, tx...)
	}
	return out
}

func (s *recordingSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.state {
		keys = append(keys, k)
	}
	return keys
}

func startSession(t *testing.T, coll *fakeCollection, configure func(*Config)) (*Session, *recordingSink) {
	t.Helper()
	cfg := Config{
		Client:         fakeClient{coll: coll},
		CollectionName: "todos",
		Realtime:       true,
		Logger:         quietLogger(),
	}
	if configure != nil {
		configure(&cfg)
	}
	sink := newRecordingSink()
	s, err := Start(context.Background(), cfg, sink)
	require.NoError(t, err)
	t.Cleanup(s.Cancel)
	return s, sink
}
