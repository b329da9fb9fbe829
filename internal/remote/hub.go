package remote

import (
	"log/slog"
	"sync"

	"github.com/roach88/recsync/internal/record"
)

// Hub fans realtime events out to subscribers.
//
// Each subscriber owns a queue and a delivery goroutine, so Publish never
// blocks and every subscriber sees events in publish order. Stores must
// call Publish in commit order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*subscriber // collection -> id -> sub
	nextID int64
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	id      int64
	topic   string
	queue   *eventQueue
	handler Handler
	done    chan struct{}
}

// NewHub creates an empty hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[int64]*subscriber),
		logger: logger,
	}
}

// Subscribe registers handler for events on collection matching topic.
// The returned function unsubscribes; calling it more than once is safe.
func (h *Hub) Subscribe(collection, topic string, handler Handler) func() {
	if topic == "" {
		topic = TopicAll
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscriber{
		id:      h.nextID,
		topic:   topic,
		queue:   newEventQueue(),
		handler: handler,
		done:    make(chan struct{}),
	}
	if h.closed {
		h.mu.Unlock()
		sub.queue.Close()
		close(sub.done)
		return func() {}
	}
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[int64]*subscriber)
	}
	h.subs[collection][sub.id] = sub
	h.mu.Unlock()

	go sub.deliver()

	h.logger.Debug("subscriber added", "collection", collection, "topic", topic, "subscriber", sub.id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[collection], sub.id)
			if len(h.subs[collection]) == 0 {
				delete(h.subs, collection)
			}
			h.mu.Unlock()
			sub.queue.Close()
			h.logger.Debug("subscriber removed", "collection", collection, "subscriber", sub.id)
		})
	}
}

// Publish queues ev for every subscriber of collection whose topic matches.
func (h *Hub) Publish(collection string, ev record.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[collection] {
		if sub.topic != TopicAll && sub.topic != ev.Record.ID() {
			continue
		}
		sub.queue.Enqueue(ev)
	}
}

// Count returns the number of subscribers on collection.
func (h *Hub) Count(collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[collection])
}

// Close drops every subscriber. Later Subscribe calls return inert
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for collection, subs := range h.subs {
		for _, sub := range subs {
			sub.queue.Close()
		}
		delete(h.subs, collection)
	}
}

// deliver runs the handler for each queued event until the queue closes.
// Events still queued at close are dropped.
func (s *subscriber) deliver() {
	defer close(s.done)
	for {
		if s.queue.isClosed() {
			return
		}
		if ev, ok := s.queue.TryDequeue(); ok {
			s.handler(ev)
			continue
		}
		<-s.queue.Wait()
	}
}
