package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutToEverySubscriber(t *testing.T) {
	hub := New[int](4)
	a, subA := hub.Subscribe()
	b, subB := hub.Subscribe()
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	hub.Publish(7)

	assert.Equal(t, 7, (<-a).Value)
	assert.Equal(t, 7, (<-b).Value)
}

func TestSlowSubscriberGetsLagMarker(t *testing.T) {
	hub := New[int](2)
	ch, sub := hub.Subscribe()
	defer sub.Unsubscribe()

	// Fill the buffer, then overflow it twice.
	for i := 0; i < 4; i++ {
		hub.Publish(i)
	}
	// Drain the buffered two, freeing space for the lag marker.
	assert.Equal(t, 0, (<-ch).Value)
	assert.Equal(t, 1, (<-ch).Value)

	hub.Publish(9)
	env := <-ch
	require.NotNil(t, env.Lagged)
	assert.Equal(t, 2, env.Lagged.Dropped)

	env = <-ch
	require.Nil(t, env.Lagged)
	assert.Equal(t, 9, env.Value)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := New[int](1)
	ch, sub := hub.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // safe twice

	_, open := <-ch
	assert.False(t, open)
}

func TestCloseStopsEverySubscriber(t *testing.T) {
	hub := New[int](1)
	ch, _ := hub.Subscribe()
	hub.Close()
	hub.Publish(1) // no-op after close

	_, open := <-ch
	assert.False(t, open)
}
