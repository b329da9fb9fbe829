package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
)

func ev(id string) record.Event {
	return record.Event{Kind: record.EventCreated, Record: record.Record{"id": id}}
}

func TestEventBuffer_Phases(t *testing.T) {
	b := newEventBuffer()
	assert.Equal(t, PhaseBuffering, b.Phase())

	require.True(t, b.push(ev("a")))
	require.True(t, b.push(ev("b")))
	_, ok := b.pop()
	assert.False(t, ok, "nothing pops while buffering")
	assert.Equal(t, 2, b.Len())

	assert.Equal(t, 2, b.beginDrain())
	assert.Equal(t, PhaseDraining, b.Phase())

	it, ok := b.pop()
	require.True(t, ok)
	assert.Equal(t, "a", it.Record.ID())

	// Arrives mid-drain; handled after the buffered backlog.
	b.push(ev("c"))

	var order []string
	for {
		it, ok := b.pop()
		if !ok {
			break
		}
		order = append(order, it.Record.ID())
	}
	assert.Equal(t, []string{"b", "c"}, order)
	assert.Equal(t, PhaseLive, b.Phase())
}

func TestEventBuffer_SignalsOnlyOnceDrainable(t *testing.T) {
	b := newEventBuffer()
	b.push(ev("a"))

	select {
	case <-b.wait():
		t.Fatal("no signal expected while buffering")
	default:
	}

	b.beginDrain()
	select {
	case <-b.wait():
	default:
		t.Fatal("beginDrain should signal")
	}
}

func TestEventBuffer_Close(t *testing.T) {
	b := newEventBuffer()
	b.close()
	b.close()

	assert.False(t, b.push(ev("a")))
	_, open := <-b.wait()
	assert.False(t, open)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "BUFFERING", PhaseBuffering.String())
	assert.Equal(t, "DRAINING", PhaseDraining.String())
	assert.Equal(t, "LIVE", PhaseLive.String())
	assert.Equal(t, "UNKNOWN", Phase(9).String())
}
