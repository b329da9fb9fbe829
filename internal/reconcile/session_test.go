package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/transform"
)

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
}

func TestSession_BulkLoadInOneTransaction(t *testing.T) {
	coll := &fakeCollection{records: []record.Record{{"id": "a"}, {"id": "b"}}}
	s, sink := startSession(t, coll, nil)
	waitReady(t, s)

	<-sink.ready
	txs := sink.transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, []record.Op{
		record.Insert(record.Record{"id": "a"}),
		record.Insert(record.Record{"id": "b"}),
	}, txs[0])
	assert.True(t, s.ledger.HasAll([]string{"a", "b"}))
}

func TestSession_BufferedEventsReplayInArrivalOrder(t *testing.T) {
	coll := &fakeCollection{
		records:  []record.Record{{"id": "a", "n": 0}},
		listGate: make(chan struct{}),
	}
	s, sink := startSession(t, coll, nil)

	coll.emit(record.EventModified, record.Record{"id": "a", "n": 1})
	coll.emit(record.EventCreated, record.Record{"id": "b"})
	coll.emit(record.EventRemoved, record.Record{"id": "a", "n": 1})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseBuffering, s.Phase())
	assert.Empty(t, sink.transactions(), "nothing applied before bulk load")
	assert.Equal(t, 3, s.Pending())

	close(coll.listGate)
	waitReady(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
	assert.Equal(t, PhaseLive, s.Phase())
	assert.Equal(t, 0, s.Pending())
	require.Len(t, sink.transactions(), 4)

	txs := sink.transactions()
	assert.Equal(t, []record.Op{record.Insert(record.Record{"id": "a", "n": 0})}, txs[0])
	assert.Equal(t, []record.Op{record.Update(record.Record{"id": "a", "n": 1})}, txs[1])
	assert.Equal(t, []record.Op{record.Insert(record.Record{"id": "b"})}, txs[2])
	assert.Equal(t, []record.Op{record.Delete("a", record.Record{"id": "a", "n": 1})}, txs[3])

	coll.emit(record.EventCreated, record.Record{"id": "c"})
	require.Eventually(t, func() bool { return len(sink.transactions()) == 5 }, time.Second, time.Millisecond)
}

func TestSession_InsertRenamesTemporaryID(t *testing.T) {
	coll := &fakeCollection{createIDs: []string{"r1"}}
	s, sink := startSession(t, coll, nil)
	waitReady(t, s)

	errc := make(chan error, 1)
	go func() {
		errc <- s.OnInsert(context.Background(), []record.Mutation{{
			Kind:     record.MutationInsert,
			Key:      "tmp_1",
			Modified: record.Record{"id": "tmp_1", "created": "x", "updated": "y", "title": "milk"},
		}})
	}()

	require.Eventually(t, func() bool { return s.renames.Len() == 1 }, time.Second, time.Millisecond)
	coll.emit(record.EventCreated, record.Record{"id": "r1", "title": "milk"})

	require.NoError(t, <-errc)
	assert.Equal(t, []record.Record{{"title": "milk"}}, coll.sent(), "metadata stripped")

	// The ledger confirms before the transaction lands.
	require.Eventually(t, func() bool { return len(sink.transactions()) == 2 }, time.Second, time.Millisecond)
	txs := sink.transactions()
	assert.Equal(t, []record.Op{
		record.Delete("tmp_1", nil),
		record.Insert(record.Record{"id": "r1", "title": "milk"}),
	}, txs[1])
	assert.Equal(t, 0, s.renames.Len())

	for _, snap := range sink.snapshots() {
		_, hasTemp := snap["tmp_1"]
		_, hasReal := snap["r1"]
		assert.False(t, hasTemp && hasReal)
	}
}

func TestSession_CreatedEventBeforeCreateResponse(t *testing.T) {
	coll := &fakeCollection{createIDs: []string{"r1"}}
	s, sink := startSession(t, coll, nil)
	waitReady(t, s)

	// The store broadcasts before the create response reaches the caller.
	coll.onCreate = func(id string, payload record.Record) {
		coll.emit(record.EventCreated, payload.Merge(record.Record{"id": id}))
		time.Sleep(20 * time.Millisecond)
	}

	err := s.OnInsert(context.Background(), []record.Mutation{{
		Kind: record.MutationInsert, Key: "tmp_1", Modified: record.Record{"id": "tmp_1", "title": "milk"},
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.transactions()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []record.Op{
		record.Delete("tmp_1", nil),
		record.Insert(record.Record{"id": "r1", "title": "milk"}),
	}, sink.transactions()[1])
	assert.Equal(t, 0, s.renames.Len())
}

func TestSession_DuplicateCreatedEventIsIdempotent(t *testing.T) {
	coll := &fakeCollection{records: []record.Record{{"id": "a"}}}
	s, sink := startSession(t, coll, nil)
	waitReady(t, s)

	coll.emit(record.EventCreated, record.Record{"id": "r1", "v": 1})
	coll.emit(record.EventCreated, record.Record{"id": "r1", "v": 2})
	coll.emit(record.EventCreated, record.Record{"id": "a", "v": 3})

	require.Eventually(t, func() bool { return len(sink.transactions()) == 4 }, time.Second, time.Millisecond)

	inserts := map[string]int{}
	for _, op := range sink.ops() {
		if op.Type == record.OpInsert {
			inserts[op.Key]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "r1": 1}, inserts)
	assert.Equal(t, []record.Op{record.Update(record.Record{"id": "r1", "v": 2})}, sink.transactions()[2])
}

func TestSession_MixedBatchFailsBeforeAnyWrite(t *testing.T) {
	coll := &fakeCollection{}
	s, _ := startSession(t, coll, nil)

	batch := []record.Mutation{
		{Kind: record.MutationInsert, Key: "tmp_1", Modified: record.Record{"title": "a"}},
		{Kind: record.MutationUpdate, Key: "r9", Changes: record.Record{"title": "b"}},
	}

	for name, dispatch := range map[string]func(context.Context, []record.Mutation) error{
		"insert": s.OnInsert,
		"update": s.OnUpdate,
		"delete": s.OnDelete,
	} {
		t.Run(name, func(t *testing.T) {
			err := dispatch(context.Background(), batch)
			require.Error(t, err)
			assert.True(t, IsKindMismatch(err))
			assert.Equal(t, ErrCodeUnexpectedMutationKind, CodeOf(err))
		})
	}
	assert.Empty(t, coll.callLog())
}

func TestSession_RemoteFailureAbortsBatch(t *testing.T) {
	boom := errors.New("boom")
	coll := &fakeCollection{createErr: map[int]error{1: boom}}
	s, _ := startSession(t, coll, func(c *Config) { c.ConfirmOnWrite = true })

	err := s.OnInsert(context.Background(), []record.Mutation{
		{Kind: record.MutationInsert, Key: "t1", Modified: record.Record{"n": 1}},
		{Kind: record.MutationInsert, Key: "t2", Modified: record.Record{"n": 2}},
		{Kind: record.MutationInsert, Key: "t3", Modified: record.Record{"n": 3}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"create", "create"}, coll.callLog())
}

func TestSession_CreateWithoutIDFailsFast(t *testing.T) {
	coll := &fakeCollection{createIDs: []string{""}}
	s, _ := startSession(t, coll, nil)
	waitReady(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.OnInsert(ctx, []record.Mutation{
		{Kind: record.MutationInsert, Modified: record.Record{"id": "tmp_x", "title": "milk"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errMissingID)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "tmp_x")
	assert.Equal(t, 0, s.renames.Len())
}

func TestSession_TimeoutAfterWrites(t *testing.T) {
	coll := &fakeCollection{createIDs: []string{"r1"}}
	s, _ := startSession(t, coll, func(c *Config) {
		c.Realtime = false
		c.MutationTimeout = 50 * time.Millisecond
		c.PollInterval = 10 * time.Millisecond
	})
	waitReady(t, s)

	err := s.OnInsert(context.Background(), []record.Mutation{
		{Kind: record.MutationInsert, Key: "tmp_1", Modified: record.Record{"n": 1}},
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var te *TimeoutWaitingForIDsError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"r1"}, te.Missing)
	assert.Equal(t, []string{"create"}, coll.callLog(), "write issued before timeout")
}

func TestSession_ConfirmOnWrite(t *testing.T) {
	coll := &fakeCollection{}
	s, _ := startSession(t, coll, func(c *Config) {
		c.Realtime = false
		c.ConfirmOnWrite = true
		c.MutationTimeout = time.Second
	})
	waitReady(t, s)

	ctx := context.Background()
	require.NoError(t, s.OnInsert(ctx, []record.Mutation{{Kind: record.MutationInsert, Key: "t", Modified: record.Record{}}}))
	require.NoError(t, s.OnUpdate(ctx, []record.Mutation{{Kind: record.MutationUpdate, Key: "r1", Changes: record.Record{"x": 1}}}))
	require.NoError(t, s.OnDelete(ctx, []record.Mutation{{Kind: record.MutationDelete, Key: "r1"}}))
	assert.Equal(t, []string{"create", "update:r1", "delete:r1"}, coll.callLog())
	assert.False(t, s.IsSubscribed())
}

func TestSession_UpdateAndDeleteAwaitEvents(t *testing.T) {
	coll := &fakeCollection{records: []record.Record{{"id": "r1", "title": "a"}}}
	coll.onUpdate = func(id string, rec record.Record) { coll.emit(record.EventModified, rec) }
	coll.onDelete = func(id string) { coll.emit(record.EventRemoved, record.Record{"id": id}) }
	s, sink := startSession(t, coll, nil)
	waitReady(t, s)

	ctx := context.Background()
	require.NoError(t, s.OnUpdate(ctx, []record.Mutation{{Kind: record.MutationUpdate, Key: "r1", Changes: record.Record{"title": "b"}}}))
	require.NoError(t, s.OnDelete(ctx, []record.Mutation{{Kind: record.MutationDelete, Key: "r1"}}))

	require.Eventually(t, func() bool { return len(sink.transactions()) == 3 }, time.Second, time.Millisecond)
	assert.Empty(t, sink.keys())
}

func TestSession_Dispatch(t *testing.T) {
	coll := &fakeCollection{}
	s, _ := startSession(t, coll, func(c *Config) { c.ConfirmOnWrite = true })

	ctx := context.Background()
	require.NoError(t, s.Dispatch(ctx, nil))
	require.NoError(t, s.Dispatch(ctx, []record.Mutation{{Kind: record.MutationDelete, Key: "x"}}))
	assert.Error(t, s.Dispatch(ctx, []record.Mutation{{Kind: "upsert"}}))
	assert.Equal(t, []string{"delete:x"}, coll.callLog())
}

type rejectTitles struct{}

func (rejectTitles) Validate(r record.Record) error {
	if _, ok := r["title"]; ok {
		return errors.New("title not allowed")
	}
	return nil
}

func TestSession_SchemaViolationBeforeWrite(t *testing.T) {
	coll := &fakeCollection{}
	s, _ := startSession(t, coll, func(c *Config) { c.Schema = rejectTitles{} })

	err := s.OnInsert(context.Background(), []record.Mutation{
		{Kind: record.MutationInsert, Key: "t1", Modified: record.Record{"n": 1}},
		{Kind: record.MutationInsert, Key: "t2", Modified: record.Record{"title": "x"}},
	})
	assert.True(t, IsSchemaViolation(err))

	err = s.OnUpdate(context.Background(), []record.Mutation{
		{Kind: record.MutationUpdate, Key: "r1", Changes: record.Record{"n": 2}, Modified: record.Record{"id": "r1", "title": "x"}},
	})
	assert.True(t, IsSchemaViolation(err))
	assert.Empty(t, coll.callLog())
}

func TestSession_AppliesTransforms(t *testing.T) {
	upper := func(v any) (any, error) { return v.(string) + "!", nil }
	coll := &fakeCollection{records: []record.Record{{"id": "a", "title": "x"}}}
	s, sink := startSession(t, coll, func(c *Config) {
		c.ConfirmOnWrite = true
		c.Transforms = transform.Set{
			ToLocal:  transform.Fields{"title": upper},
			ToRemote: transform.Fields{"title": upper},
		}
	})
	waitReady(t, s)

	assert.Equal(t, record.Record{"id": "a", "title": "x!"}, sink.transactions()[0][0].Value)

	require.NoError(t, s.OnInsert(context.Background(), []record.Mutation{
		{Kind: record.MutationInsert, Key: "t", Modified: record.Record{"title": "y"}},
	}))
	assert.Equal(t, []record.Record{{"title": "y!"}}, coll.sent())
}

func TestStart_SubscriptionFailure(t *testing.T) {
	refused := errors.New("refused")
	coll := &fakeCollection{subErr: refused}
	_, err := Start(context.Background(), Config{
		Client: fakeClient{coll: coll}, CollectionName: "todos", Realtime: true, Logger: quietLogger(),
	}, newRecordingSink())

	require.Error(t, err)
	assert.True(t, IsSubscriptionError(err))
	assert.ErrorIs(t, err, refused)
}

func TestStart_InvalidConfig(t *testing.T) {
	_, err := Start(context.Background(), Config{CollectionName: "x"}, newRecordingSink())
	assert.Error(t, err)

	_, err = Start(context.Background(), Config{Client: fakeClient{}, CollectionName: "x"}, nil)
	assert.Error(t, err)
}

func TestSession_BulkLoadFailureStillMarksReady(t *testing.T) {
	down := errors.New("down")
	coll := &fakeCollection{listErr: down}
	s, sink := startSession(t, coll, nil)

	err := s.WaitReady(context.Background())
	assert.ErrorIs(t, err, down)
	select {
	case <-sink.ready:
	case <-time.After(time.Second):
		t.Fatal("MarkReady not called")
	}
}

func TestSession_CancelTearsDown(t *testing.T) {
	coll := &fakeCollection{}
	s, _ := startSession(t, coll, nil)
	waitReady(t, s)
	assert.True(t, s.IsSubscribed())

	s.Cancel()
	s.Cancel()

	assert.False(t, s.IsSubscribed())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	coll.mu.Lock()
	assert.True(t, coll.unsubscribed)
	coll.mu.Unlock()
}

func TestSession_ContextCancelTearsDown(t *testing.T) {
	coll := &fakeCollection{}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, Config{
		Client: fakeClient{coll: coll}, CollectionName: "todos", Realtime: true, Logger: quietLogger(),
	}, newRecordingSink())
	require.NoError(t, err)
	waitReady(t, s)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	assert.False(t, s.IsSubscribed())
	coll.mu.Lock()
	assert.True(t, coll.unsubscribed)
	coll.mu.Unlock()

	for i := 0; i < 3; i++ {
		s.onEvent(record.Event{Kind: record.EventCreated, Record: record.Record{"id": "late"}})
	}
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, s.buf.Len())
}

func TestSession_WaitIdleWakesOnEachEvent(t *testing.T) {
	gate := make(chan struct{})
	coll := &fakeCollection{}
	s, sink := startSession(t, coll, func(c *Config) {
		c.Transforms = transform.Set{ToLocal: transform.Fields{"n": func(v any) (any, error) {
			if v == "slow" {
				<-gate
			}
			return v, nil
		}}}
	})
	waitReady(t, s)

	go coll.emit(record.EventCreated, record.Record{"id": "a", "n": "slow"})
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	idle := make(chan error, 1)
	go func() { idle <- s.WaitIdle(context.Background()) }()
	select {
	case err := <-idle:
		t.Fatalf("idle with an event in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-idle:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not wake")
	}
	assert.Len(t, sink.transactions(), 2)
}

func TestSession_WaitIdleAfterCancel(t *testing.T) {
	coll := &fakeCollection{listGate: make(chan struct{})}
	s, _ := startSession(t, coll, nil)
	coll.emit(record.EventCreated, record.Record{"id": "a"})

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.WaitIdle(ctx))
}

func TestSession_StreamDropClearsSubscribed(t *testing.T) {
	coll := &fakeCollection{drops: make(chan error, 1)}
	s, _ := startSession(t, coll, nil)
	assert.True(t, s.IsSubscribed())

	coll.drops <- errors.New("connection reset")
	require.Eventually(t, func() bool { return !s.IsSubscribed() }, time.Second, time.Millisecond)
}
