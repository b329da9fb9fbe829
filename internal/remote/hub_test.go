package remote

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []record.Event
}

func (c *collector) handle(ev record.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Record.ID()
	}
	return out
}

func TestHub_DeliversInPublishOrder(t *testing.T) {
	h := NewHub(quietLogger())
	c := &collector{}
	unsub := h.Subscribe("todos", TopicAll, c.handle)
	defer unsub()

	for _, id := range []string{"a", "b", "c", "d"} {
		h.Publish("todos", record.Event{Kind: record.EventCreated, Record: record.Record{"id": id}})
	}

	require.Eventually(t, func() bool { return len(c.ids()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, c.ids())
}

func TestHub_TopicFiltersByRecordID(t *testing.T) {
	h := NewHub(quietLogger())
	all, one := &collector{}, &collector{}
	defer h.Subscribe("todos", TopicAll, all.handle)()
	defer h.Subscribe("todos", "b", one.handle)()

	h.Publish("todos", record.Event{Kind: record.EventCreated, Record: record.Record{"id": "a"}})
	h.Publish("todos", record.Event{Kind: record.EventModified, Record: record.Record{"id": "b"}})

	require.Eventually(t, func() bool { return len(all.ids()) == 2 && len(one.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"b"}, one.ids())
}

func TestHub_CollectionsAreIsolated(t *testing.T) {
	h := NewHub(quietLogger())
	c := &collector{}
	defer h.Subscribe("todos", TopicAll, c.handle)()

	h.Publish("users", record.Event{Kind: record.EventCreated, Record: record.Record{"id": "u"}})
	h.Publish("todos", record.Event{Kind: record.EventCreated, Record: record.Record{"id": "t"}})

	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"t"}, c.ids())
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(quietLogger())
	c := &collector{}
	unsub := h.Subscribe("todos", TopicAll, c.handle)
	assert.Equal(t, 1, h.Count("todos"))

	unsub()
	unsub() // idempotent
	assert.Equal(t, 0, h.Count("todos"))

	h.Publish("todos", record.Event{Kind: record.EventCreated, Record: record.Record{"id": "a"}})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.ids())
}

func TestHub_CloseDropsSubscribers(t *testing.T) {
	h := NewHub(quietLogger())
	h.Subscribe("todos", TopicAll, func(record.Event) {})
	h.Close()

	assert.Equal(t, 0, h.Count("todos"))
	unsub := h.Subscribe("todos", TopicAll, func(record.Event) {})
	unsub()
	assert.Equal(t, 0, h.Count("todos"))
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(record.Event{Record: record.Record{"id": id}}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.Record.ID())
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_CloseRejectsEnqueue(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(record.Event{}))
	select {
	case <-q.Wait():
	default:
		t.Fatal("wait channel should be closed")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 15)
	assert.NotEqual(t, a, b)
}
