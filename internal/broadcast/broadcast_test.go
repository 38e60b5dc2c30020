package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
)

func TestBroadcasterFanOut(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	require.Equal(t, 2, b.SubscriberCount())

	event := execution.Event{Kind: execution.EventProcessStarted}
	b.Notify(event)

	assert.Equal(t, event.Kind, (<-ch1).Kind)
	assert.Equal(t, event.Kind, (<-ch2).Kind)
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New(nil, WithBufferSize(2))
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Notify(execution.Event{Kind: execution.EventProcessUpdate})
	}

	// Buffer holds two; the other three were dropped without blocking.
	assert.Len(t, ch, 2)
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel must be closed after unsubscribe")

	// Notifying with no subscribers must not panic or block.
	b.Notify(execution.Event{Kind: execution.EventProcessCompleted})
}

func TestBroadcasterClose(t *testing.T) {
	t.Parallel()

	b := New(nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()

	_, open := <-ch
	assert.False(t, open)

	b.Notify(execution.Event{Kind: execution.EventProcessUpdate})

	late, lateCancel := b.Subscribe()
	defer lateCancel()
	_, open = <-late
	assert.False(t, open, "subscriptions after close yield a closed channel")
}
