package correlate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pathlat/internal/capture"
)

type memorySink struct {
	mu     sync.Mutex
	wrote  []Measurement
	closed bool
}

func (s *memorySink) Write(m Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrote = append(s.wrote, m)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) measurements() []Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Measurement(nil), s.wrote...)
}

func id(prefix string) string {
	return (prefix + strings.Repeat("0", 36))[:36]
}

func event(identifier string, role capture.Role, ts uint64) capture.Event {
	return capture.Event{
		Timestamp:  ts,
		SrcIP:      [4]byte{10, 0, 0, 1},
		DstIP:      [4]byte{10, 0, 0, 2},
		SrcPort:    8000,
		DstPort:    9000,
		Identifier: identifier,
		Role:       role,
	}
}

func newTestProcessor(t *testing.T, sink Sink, cfg Config) *Processor {
	return NewProcessor(capture.NewRing(16), sink, cfg, zaptest.NewLogger(t))
}

func TestCorrelatesPair(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{})

	p.Handle(event(id("a1a1"), capture.RoleSource, 1000))
	p.Handle(event(id("a1a1"), capture.RoleRelay, 3500))

	ms := sink.measurements()
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, id("a1a1"), m.Identifier)
	assert.Equal(t, capture.RoleSource, m.RoleA)
	assert.Equal(t, capture.RoleRelay, m.RoleB)
	assert.Equal(t, uint64(1000), m.TimestampA)
	assert.Equal(t, uint64(3500), m.TimestampB)
	assert.Equal(t, time.Duration(2500), m.Delta)
	assert.False(t, m.Suspect)
	assert.Equal(t, "10.0.0.1:8000->10.0.0.2:9000", m.EndpointA)
}

func TestCorrelatesOncePerIdentifier(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{})

	p.Handle(event(id("b2b2"), capture.RoleSource, 100))
	p.Handle(event(id("b2b2"), capture.RoleRelay, 200))
	// Late duplicates at both roles must not produce a second measurement
	// or move the first-seen timestamps.
	p.Handle(event(id("b2b2"), capture.RoleRelay, 900))
	p.Handle(event(id("b2b2"), capture.RoleSource, 50))

	require.Len(t, sink.measurements(), 1)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Correlated)
	assert.Equal(t, uint64(2), st.Duplicates)
}

func TestCrossedRolesFlaggedSuspect(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{})

	p.Handle(event(id("c3c3"), capture.RoleRelay, 1000))
	p.Handle(event(id("c3c3"), capture.RoleSource, 5000))

	ms := sink.measurements()
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Suspect)
	assert.Equal(t, capture.RoleRelay, ms[0].RoleA, "earlier role recorded")
	assert.Equal(t, time.Duration(4000), ms[0].Delta, "delta stays non-negative")
}

func TestCeilingFlaggedSuspectButEmitted(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{SanityCeiling: time.Millisecond})

	p.Handle(event(id("d4d4"), capture.RoleSource, 0))
	p.Handle(event(id("d4d4"), capture.RoleRelay, uint64(time.Second)))

	ms := sink.measurements()
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Suspect)
	assert.Equal(t, uint64(1), p.Stats().Suspect)
}

func TestUnknownRoleNotCorrelated(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{})

	p.Handle(event(id("e5e5"), capture.RoleUnknown, 100))
	p.Handle(event(id("e5e5"), capture.RoleSource, 200))

	assert.Empty(t, sink.measurements())
	assert.Equal(t, uint64(1), p.Stats().Unclassified)
}

func TestRetentionEviction(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{Retention: time.Minute})

	clock := time.Unix(1000, 0)
	p.now = func() time.Time { return clock }

	p.Handle(event(id("f6f6"), capture.RoleSource, 1000))

	// Still within retention: nothing evicted.
	clock = clock.Add(30 * time.Second)
	p.Sweep()
	assert.Equal(t, 1, p.Stats().Active)

	// Past retention: the lone record is presumed abandoned.
	clock = clock.Add(31 * time.Second)
	p.Sweep()
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, uint64(1), st.Expired)

	// A late arrival starts a fresh record, not a stale match.
	p.Handle(event(id("f6f6"), capture.RoleRelay, 2000))
	assert.Empty(t, sink.measurements())
	assert.Equal(t, 1, p.Stats().Active)

	// And the fresh record can still correlate normally.
	p.Handle(event(id("f6f6"), capture.RoleSource, 1500))
	require.Len(t, sink.measurements(), 1)
}

func TestCorrelatedEntrySweptWithoutExpiredCount(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{Retention: time.Minute})

	clock := time.Unix(2000, 0)
	p.now = func() time.Time { return clock }

	p.Handle(event(id("0707"), capture.RoleSource, 100))
	p.Handle(event(id("0707"), capture.RoleRelay, 200))

	clock = clock.Add(2 * time.Minute)
	p.Sweep()
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, uint64(0), st.Expired)
}

func TestSummary(t *testing.T) {
	sink := &memorySink{}
	p := newTestProcessor(t, sink, Config{})

	assert.Equal(t, Summary{}, p.Summary())

	p.Handle(event(id("1111"), capture.RoleSource, 0))
	p.Handle(event(id("1111"), capture.RoleRelay, 1000))
	p.Handle(event(id("2222"), capture.RoleSource, 0))
	p.Handle(event(id("2222"), capture.RoleRelay, 3000))

	s := p.Summary()
	assert.Equal(t, uint64(2), s.Count)
	assert.Equal(t, time.Duration(1000), s.Min)
	assert.Equal(t, time.Duration(3000), s.Max)
	assert.Equal(t, time.Duration(2000), s.Avg)
}

func TestRunDrainsRingUntilClosed(t *testing.T) {
	ring := capture.NewRing(16)
	sink := &memorySink{}
	p := NewProcessor(ring, sink, Config{PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	ring.Offer(event(id("9999"), capture.RoleSource, 1000))
	ring.Offer(event(id("9999"), capture.RoleRelay, 3500))

	require.Eventually(t, func() bool {
		return len(sink.measurements()) == 1
	}, time.Second, time.Millisecond)

	ring.Close()
	require.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	ring := capture.NewRing(4)
	p := NewProcessor(ring, &memorySink{}, Config{PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
