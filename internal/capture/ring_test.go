package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOverflow(t *testing.T) {
	r := NewRing(100)

	for i := 0; i < 1000; i++ {
		r.Offer(Event{Timestamp: uint64(i)})
	}

	assert.Equal(t, uint64(1000), r.Offered())
	assert.Equal(t, uint64(900), r.Dropped())
	assert.Equal(t, 100, r.Len())

	// Exactly the first 100 events are delivered.
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ev, ok, err := r.Poll(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), ev.Timestamp)
	}

	_, ok, err := r.Poll(ctx, time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRingPollTimeout(t *testing.T) {
	r := NewRing(4)
	start := time.Now()
	_, ok, err := r.Poll(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRingPollCancellation(t *testing.T) {
	r := NewRing(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := r.Poll(ctx, time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRingClose(t *testing.T) {
	r := NewRing(4)
	r.Offer(Event{Timestamp: 7})
	r.Close()
	r.Close() // idempotent

	// Buffered events drain before the terminal error.
	ev, ok, err := r.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), ev.Timestamp)

	_, ok, err = r.Poll(context.Background(), time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRingClosed)
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, 1, r.Cap())
}
