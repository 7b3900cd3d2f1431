package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	h := New(10)
	client := h.Attach()

	h.Publish([]byte("one"))
	h.Publish([]byte("two"))
	h.Publish([]byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		chunk, status := client.Receive(time.Second)
		require.Equal(t, Received, status)
		assert.Equal(t, want, string(chunk))
	}
}

func TestSaturatedClientDoesNotBlockOthers(t *testing.T) {
	h := New(2)
	slow := h.Attach()
	fast := h.Attach()

	// Fill the slow client's queue and keep publishing.
	for i := 0; i < 5; i++ {
		delivered := h.Publish([]byte{byte(i)})
		if i < 2 {
			assert.Equal(t, 2, delivered)
		} else {
			// Only the drained fast client keeps receiving.
			assert.Equal(t, 1, delivered)
		}
		chunk, status := fast.Receive(time.Second)
		require.Equal(t, Received, status)
		assert.Equal(t, []byte{byte(i)}, chunk)
	}

	assert.Equal(t, int64(3), h.Dropped())

	// The slow client still has its first two chunks intact.
	chunk, status := slow.Receive(time.Second)
	require.Equal(t, Received, status)
	assert.Equal(t, []byte{0}, chunk)
}

func TestReceiveTimesOut(t *testing.T) {
	h := New(10)
	client := h.Attach()

	start := time.Now()
	chunk, status := client.Receive(50 * time.Millisecond)
	assert.Equal(t, TimedOut, status)
	assert.Nil(t, chunk)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEndAllClosesClients(t *testing.T) {
	h := New(10)
	a := h.Attach()
	b := h.Attach()

	h.EndAll()

	_, status := a.Receive(time.Second)
	assert.Equal(t, Closed, status)
	_, status = b.Receive(time.Second)
	assert.Equal(t, Closed, status)
	assert.Equal(t, 0, h.ClientCount())
}

func TestEndAllDrainsQueuedChunksFirst(t *testing.T) {
	h := New(10)
	client := h.Attach()
	h.Publish([]byte("pending"))

	h.EndAll()

	chunk, status := client.Receive(time.Second)
	require.Equal(t, Received, status)
	assert.Equal(t, "pending", string(chunk))

	_, status = client.Receive(time.Second)
	assert.Equal(t, Closed, status)
}

func TestAttachAfterEndAllIsClosed(t *testing.T) {
	h := New(10)
	h.EndAll()

	client := h.Attach()
	_, status := client.Receive(time.Second)
	assert.Equal(t, Closed, status)
	assert.Equal(t, 0, h.ClientCount())
}

func TestResetReopensHub(t *testing.T) {
	h := New(10)
	h.EndAll()
	h.Reset()

	client := h.Attach()
	h.Publish([]byte("back"))
	chunk, status := client.Receive(time.Second)
	require.Equal(t, Received, status)
	assert.Equal(t, "back", string(chunk))
}

func TestDetachIsIdempotent(t *testing.T) {
	h := New(10)
	client := h.Attach()

	h.Detach(client.ID)
	h.Detach(client.ID)

	_, status := client.Receive(time.Second)
	assert.Equal(t, Closed, status)
	assert.Equal(t, 0, h.ClientCount())
}

func TestLateJoinerGetsNoReplay(t *testing.T) {
	h := New(10)
	early := h.Attach()
	h.Publish([]byte("before"))

	late := h.Attach()
	h.Publish([]byte("after"))

	chunk, status := early.Receive(time.Second)
	require.Equal(t, Received, status)
	assert.Equal(t, "before", string(chunk))

	chunk, status = late.Receive(time.Second)
	require.Equal(t, Received, status)
	assert.Equal(t, "after", string(chunk))

	_, status = late.Receive(20 * time.Millisecond)
	assert.Equal(t, TimedOut, status)
}
