package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/ledger"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/rename"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/transform"
)

func newTestProcessor() (*processor, *recordingSink) {
	sink := newRecordingSink()
	l := ledger.New(ledger.WithClock(testutil.NewManualClock()), ledger.WithLogger(quietLogger()))
	return newProcessor(sink, l, rename.New(quietLogger()), nil, quietLogger()), sink
}

func TestProcessor_EventKinds(t *testing.T) {
	p, sink := newTestProcessor()

	tests := []struct {
		ev   record.Event
		want []record.Op
	}{
		{
			ev:   record.Event{Kind: record.EventCreated, Record: record.Record{"id": "a"}},
			want: []record.Op{record.Insert(record.Record{"id": "a"})},
		},
		{
			ev:   record.Event{Kind: record.EventModified, Record: record.Record{"id": "a", "x": 1}},
			want: []record.Op{record.Update(record.Record{"id": "a", "x": 1})},
		},
		{
			ev:   record.Event{Kind: record.EventRemoved, Record: record.Record{"id": "a"}},
			want: []record.Op{record.Delete("a", record.Record{"id": "a"})},
		},
		{
			ev:   record.Event{Kind: record.EventCreated, Record: record.Record{"id": "a"}},
			want: []record.Op{record.Insert(record.Record{"id": "a"})},
		},
	}

	for i, tt := range tests {
		require.NoError(t, p.process(tt.ev))
		assert.Equal(t, tt.want, sink.transactions()[i], "event %d", i)
	}
	assert.True(t, p.ledger.Has("a"))
}

func TestProcessor_MarksSeenForEveryKind(t *testing.T) {
	p, _ := newTestProcessor()
	require.NoError(t, p.process(record.Event{Kind: record.EventRemoved, Record: record.Record{"id": "gone"}}))
	assert.True(t, p.ledger.Has("gone"))
}

func TestProcessor_Rejects(t *testing.T) {
	p, sink := newTestProcessor()

	assert.Error(t, p.process(record.Event{Kind: record.EventCreated, Record: record.Record{}}))
	assert.Error(t, p.process(record.Event{Kind: "upsert", Record: record.Record{"id": "a"}}))
	assert.Empty(t, sink.transactions())
}

func TestProcessor_CreatedConsumesRename(t *testing.T) {
	p, sink := newTestProcessor()
	p.renames.Record("tmp_1", "r1")

	require.NoError(t, p.process(record.Event{Kind: record.EventCreated, Record: record.Record{"id": "r1"}}))
	assert.Equal(t, []record.Op{
		record.Delete("tmp_1", nil),
		record.Insert(record.Record{"id": "r1"}),
	}, sink.transactions()[0])
	assert.Equal(t, 0, p.renames.Len())

	// Replayed created event: no second insert, no second delete.
	require.NoError(t, p.process(record.Event{Kind: record.EventCreated, Record: record.Record{"id": "r1"}}))
	assert.Equal(t, []record.Op{record.Update(record.Record{"id": "r1"})}, sink.transactions()[1])
}

func TestProcessor_LoadSkipsRecordWithoutID(t *testing.T) {
	p, sink := newTestProcessor()
	skipped := p.load([]record.Record{{"id": "a"}, {"title": "no id"}})
	assert.Equal(t, 1, skipped)
	assert.Equal(t, [][]record.Op{{record.Insert(record.Record{"id": "a"})}}, sink.transactions())
	assert.True(t, p.ledger.Has("a"))
}

func newTransformingProcessor(t *testing.T) (*processor, *recordingSink) {
	t.Helper()
	set, err := transform.FromNames(map[string]string{"done": "bool"})
	require.NoError(t, err)
	p, sink := newTestProcessor()
	p.toLocal = set.ToLocal
	return p, sink
}

func TestProcessor_LoadSkipsRecordFailingTransform(t *testing.T) {
	p, sink := newTransformingProcessor(t)

	skipped := p.load([]record.Record{
		{"id": "a", "done": true},
		{"id": "b", "done": json.Number("1")},
		{"id": "c", "done": nil},
		{"id": "d", "done": []any{"x"}},
	})
	assert.Equal(t, 1, skipped)
	assert.Equal(t, [][]record.Op{{
		record.Insert(record.Record{"id": "a", "done": true}),
		record.Insert(record.Record{"id": "b", "done": true}),
		record.Insert(record.Record{"id": "c", "done": nil}),
	}}, sink.transactions())
	assert.True(t, p.ledger.HasAll([]string{"a", "b", "c", "d"}), "skipped records still exist remotely")
}

func TestProcessor_CreatedFailingTransformDropsPlaceholder(t *testing.T) {
	p, sink := newTransformingProcessor(t)
	p.renames.Record("tmp_1", "r1")

	err := p.process(record.Event{Kind: record.EventCreated, Record: record.Record{"id": "r1", "done": "maybe"}})
	require.Error(t, err)
	assert.Equal(t, [][]record.Op{{record.Delete("tmp_1", nil)}}, sink.transactions())
	assert.Equal(t, 0, p.renames.Len())
	assert.True(t, p.ledger.Has("r1"))
}

func TestProcessor_RemovedFailingTransformStillDeletes(t *testing.T) {
	p, sink := newTransformingProcessor(t)
	raw := record.Record{"id": "r1", "done": "maybe"}

	require.NoError(t, p.process(record.Event{Kind: record.EventRemoved, Record: raw}))
	assert.Equal(t, [][]record.Op{{record.Delete("r1", raw)}}, sink.transactions())
}

func TestProcessor_ModifiedFailingTransformIsRejected(t *testing.T) {
	p, sink := newTransformingProcessor(t)

	require.Error(t, p.process(record.Event{Kind: record.EventModified, Record: record.Record{"id": "r1", "done": "maybe"}}))
	assert.Empty(t, sink.transactions())
}
