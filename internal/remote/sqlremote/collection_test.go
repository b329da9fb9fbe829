package sqlremote

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
)

const epochStamp = "2024-01-01 00:00:00.000Z"

func TestCollection_CreateAssignsIDAndTimestamps(t *testing.T) {
	s := createTestStore(t, "r1")
	todos := s.Collection("todos")

	got, err := todos.Create(context.Background(), record.Record{"title": "milk", "done": false})
	require.NoError(t, err)
	assert.Equal(t, record.Record{
		"id": "r1", "created": epochStamp, "updated": epochStamp,
		"title": "milk", "done": false,
	}, got)

	list, err := todos.FullList(context.Background(), remote.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []record.Record{got}, list)
}

func TestCollection_CreateKeepsCallerID(t *testing.T) {
	s := createTestStore(t)
	got, err := s.Collection("todos").Create(context.Background(), record.Record{"id": "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", got.ID())

	_, err = s.Collection("todos").Create(context.Background(), record.Record{"id": "mine"})
	assert.Error(t, err, "duplicate id")
}

func TestCollection_UpdateMergesAndDeleteRemoves(t *testing.T) {
	s := createTestStore(t, "r1")
	todos := s.Collection("todos")
	ctx := context.Background()

	_, err := todos.Create(ctx, record.Record{"title": "milk", "done": false})
	require.NoError(t, err)

	got, err := todos.Update(ctx, "r1", record.Record{"done": true, "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID())
	assert.Equal(t, true, got["done"])
	assert.Equal(t, "milk", got["title"])

	require.NoError(t, todos.Delete(ctx, "r1"))
	list, err := todos.FullList(ctx, remote.FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = todos.Update(ctx, "r1", record.Record{"x": 1})
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.ErrorIs(t, todos.Delete(ctx, "r1"), remote.ErrNotFound)
}

func TestCollection_FullListOptions(t *testing.T) {
	s := createTestStore(t, "u1", "t1", "t2", "t3")
	ctx := context.Background()

	_, err := s.Collection("users").Create(ctx, record.Record{"name": "kim"})
	require.NoError(t, err)
	todos := s.Collection("todos")
	for _, r := range []record.Record{
		{"title": "a", "priority": 1, "owner": "u1"},
		{"title": "b", "priority": 3, "owner": "u1"},
		{"title": "c", "priority": 2, "done": true},
	} {
		_, err := todos.Create(ctx, r)
		require.NoError(t, err)
	}

	list, err := todos.FullList(ctx, remote.FetchOptions{
		Filter: "done != true",
		Sort:   "-priority",
		Expand: "owner",
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t2", list[0].ID())
	assert.Equal(t, "t1", list[1].ID())

	exp := list[0][record.FieldExpand].(map[string]any)
	assert.Equal(t, "kim", exp["owner"].(record.Record)["name"])

	_, err = todos.FullList(ctx, remote.FetchOptions{Filter: "broken"})
	assert.Error(t, err)
}

func TestCollection_SubscribeDeliversInCommitOrder(t *testing.T) {
	s := createTestStore(t, "r1")
	todos := s.Collection("todos")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		events []record.Event
	)
	_, err := todos.Subscribe(ctx, remote.TopicAll, func(ev record.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	require.NoError(t, err)

	_, err = todos.Create(ctx, record.Record{"n": 1})
	require.NoError(t, err)
	_, err = todos.Update(ctx, "r1", record.Record{"n": 2})
	require.NoError(t, err)
	require.NoError(t, todos.Delete(ctx, "r1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, record.EventCreated, events[0].Kind)
	assert.Equal(t, record.EventModified, events[1].Kind)
	assert.Equal(t, json.Number("2"), events[1].Record["n"])
	assert.Equal(t, record.EventRemoved, events[2].Kind)
	assert.Equal(t, "r1", events[2].Record.ID())

	cancel()
	require.Eventually(t, func() bool { return s.Hub().Count("todos") == 0 }, time.Second, time.Millisecond)
}

func TestCollection_NumbersRoundTripExactly(t *testing.T) {
	s := createTestStore(t, "r1")
	todos := s.Collection("todos")
	ctx := context.Background()

	big := json.Number("9007199254740993")
	created, err := todos.Create(ctx, record.Record{"n": big, "small": 2, "ratio": 0.25})
	require.NoError(t, err)
	assert.Equal(t, big, created["n"])
	assert.Equal(t, json.Number("2"), created["small"])
	assert.Equal(t, json.Number("0.25"), created["ratio"])

	list, err := todos.FullList(ctx, remote.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created, list[0])

	changes, err := s.Changes(ctx, "todos", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, big, changes[0].Record["n"])
}

func TestStore_Changes(t *testing.T) {
	s := createTestStore(t, "r1")
	todos := s.Collection("todos")
	ctx := context.Background()

	_, err := todos.Create(ctx, record.Record{"n": 1})
	require.NoError(t, err)
	require.NoError(t, todos.Delete(ctx, "r1"))

	changes, err := s.Changes(ctx, "todos", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "create", changes[0].Action)
	assert.Equal(t, "delete", changes[1].Action)
	assert.Equal(t, "r1", changes[1].Record.ID())

	later, err := s.Changes(ctx, "todos", changes[0].Seq)
	require.NoError(t, err)
	assert.Len(t, later, 1)

	none, err := s.Changes(ctx, "users", 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestCollection_FullListPushdownKeepsGoSemantics(t *testing.T) {
	s := createTestStore(t, "t1", "t2", "t3", "t4", "t5")
	ctx := context.Background()

	todos := s.Collection("todos")
	for _, r := range []record.Record{
		{"title": "milk", "owner": map[string]any{"name": "kim"}},
		{"title": "eggs", "owner": map[string]any{"name": "kim"}},
		{"title": "milk", "owner": map[string]any{"name": "lee"}},
		{"title": 5},
		{"label": "no title"},
	} {
		_, err := todos.Create(ctx, r)
		require.NoError(t, err)
	}

	tests := []struct {
		filter string
		want   []string
	}{
		{"title = 'milk'", []string{"t1", "t3"}},
		{"title = 'milk' && owner.name = 'kim'", []string{"t1"}},
		{"title = '5'", []string{"t4"}},
		{"id = 't2'", []string{"t2"}},
		{"title = 'milk' && id != 't1'", []string{"t3"}},
		{"label = 'nope'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			list, err := todos.FullList(ctx, remote.FetchOptions{Filter: tt.filter})
			require.NoError(t, err)

			var ids []string
			for _, r := range list {
				ids = append(ids, r.ID())
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}
