package reconcile

import (
	"sync"

	"github.com/roach88/recsync/internal/record"
)

// Phase is the replay state of a session's event stream.
type Phase int32

const (
	// PhaseBuffering holds every event until the bulk load is applied.
	PhaseBuffering Phase = iota
	// PhaseDraining replays buffered events in arrival order.
	PhaseDraining
	// PhaseLive processes events as they arrive.
	PhaseLive
)

func (p Phase) String() string {
	switch p {
	case PhaseBuffering:
		return "BUFFERING"
	case PhaseDraining:
		return "DRAINING"
	case PhaseLive:
		return "LIVE"
	}
	return "UNKNOWN"
}

// eventBuffer is the session's FIFO between the realtime callback and the
// single writer loop.
//
// While BUFFERING, pop yields nothing so events accumulate behind the bulk
// load. beginDrain opens the buffer; pop flips to LIVE the first time it
// finds the buffer empty, so events arriving during the drain are handled
// after everything buffered before them.
type eventBuffer struct {
	mu     sync.Mutex
	phase  Phase
	events []record.Event
	closed bool
	signal chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{
		events: make([]record.Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends ev. Returns false once the buffer is closed.
func (b *eventBuffer) push(ev record.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.events = append(b.events, ev)
	if b.phase != PhaseBuffering {
		b.notify()
	}
	return true
}

// beginDrain moves BUFFERING to DRAINING and returns the number of events
// waiting to be replayed.
func (b *eventBuffer) beginDrain() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == PhaseBuffering {
		b.phase = PhaseDraining
	}
	b.notify()
	return len(b.events)
}

// pop removes the front event. It never yields while BUFFERING.
func (b *eventBuffer) pop() (record.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == PhaseBuffering {
		return record.Event{}, false
	}
	if len(b.events) == 0 {
		if b.phase == PhaseDraining {
			b.phase = PhaseLive
			// Drop the replay backing array.
			b.events = make([]record.Event, 0, 16)
		}
		return record.Event{}, false
	}
	ev := b.events[0]
	b.events[0] = record.Event{}
	b.events = b.events[1:]
	return ev, true
}

func (b *eventBuffer) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *eventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// wait returns the wake-up channel. It is closed by close.
func (b *eventBuffer) wait() <-chan struct{} {
	return b.signal
}

func (b *eventBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.events = nil
	close(b.signal)
}

// notify must be called with mu held.
func (b *eventBuffer) notify() {
	if b.closed {
		return
	}
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
