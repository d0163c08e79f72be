package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRingClosed is returned by Poll once the ring has been closed and
// drained. It is the consumer's terminal condition.
var ErrRingClosed = errors.New("capture: ring closed")

// Ring is the bounded event channel between the capture hooks and the
// consumer. Offer never blocks: on a full ring the event is dropped and
// counted, because losing an observation is acceptable while stalling the
// packet path is not.
//
// Close must only be called after every producer has stopped offering;
// the interface manager detaches all hooks before the ring is closed.
type Ring struct {
	ch        chan Event
	dropped   atomic.Uint64
	offered   atomic.Uint64
	closeOnce sync.Once
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{ch: make(chan Event, capacity)}
}

// Offer enqueues ev if there is room and reports whether it was accepted.
func (r *Ring) Offer(ev Event) bool {
	r.offered.Add(1)
	select {
	case r.ch <- ev:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Poll waits up to interval for the next event. ok=false with a nil error
// means the interval elapsed with nothing to read, so the caller can run
// periodic work and observe shutdown. A closed and drained ring yields
// ErrRingClosed; a cancelled context yields its error.
func (r *Ring) Poll(ctx context.Context, interval time.Duration) (Event, bool, error) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case ev, ok := <-r.ch:
		if !ok {
			return Event{}, false, ErrRingClosed
		}
		return ev, true, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	case <-timer.C:
		return Event{}, false, nil
	}
}

// Close marks the ring terminal. Events already enqueued remain readable.
func (r *Ring) Close() {
	r.closeOnce.Do(func() { close(r.ch) })
}

// Dropped returns the number of events discarded because the ring was full.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Offered returns the total number of Offer calls.
func (r *Ring) Offered() uint64 { return r.offered.Load() }

// Len returns the number of events currently buffered.
func (r *Ring) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return cap(r.ch) }
