package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pathlat/internal/capture"
)

type roleRecord struct {
	ts       uint64
	endpoint string
}

// entry tracks one identifier through its lifetime: seen at one or more
// roles, then either correlated or expired. Correlated entries linger until
// the sweep so a late duplicate cannot re-correlate the same pair.
type entry struct {
	roles      map[capture.Role]roleRecord
	correlated bool
	touched    time.Time
}

// Processor drains the ring, maintains per-(identifier, role) first-seen
// records and emits a Measurement the moment an identifier has been seen at
// two different roles. All state is confined to the Run goroutine; Stats and
// Summary take the lock for snapshots.
type Processor struct {
	ring *capture.Ring
	sink Sink
	cfg  Config
	log  *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats
	latSum  time.Duration
	latMin  time.Duration
	latMax  time.Duration
}

// NewProcessor builds a Processor reading from ring and writing to sink.
func NewProcessor(ring *capture.Ring, sink Sink, cfg Config, log *zap.Logger) *Processor {
	return &Processor{
		ring:    ring,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Run consumes events until the ring is closed (terminal, clean) or ctx is
// cancelled (terminal, clean). The poll interval bounds blocking so the
// retention sweep runs on schedule even with no traffic.
func (p *Processor) Run(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			p.Sweep()
		default:
		}

		ev, ok, err := p.ring.Poll(ctx, p.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, capture.ErrRingClosed) {
				p.log.Info("event channel closed, consumer stopping")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ok {
			p.Handle(ev)
		}
	}
}

// Handle processes one captured event. Exported so tests and alternative
// drivers can inject events without a ring.
func (p *Processor) Handle(ev capture.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Consumed++

	if ev.Identifier == "" {
		return
	}
	if ev.Role == capture.RoleUnknown {
		p.stats.Unclassified++
		return
	}

	e, ok := p.entries[ev.Identifier]
	if !ok {
		e = &entry{
			roles:   make(map[capture.Role]roleRecord, 2),
			touched: p.now(),
		}
		p.entries[ev.Identifier] = e
	}

	if _, dup := e.roles[ev.Role]; dup {
		// First-seen per (identifier, role) is monotonic; later sightings
		// only count.
		p.stats.Duplicates++
		return
	}
	e.roles[ev.Role] = roleRecord{
		ts:       ev.Timestamp,
		endpoint: ev.SrcAddr() + "->" + ev.DstAddr(),
	}

	if !e.correlated && len(e.roles) >= 2 {
		p.correlateLocked(ev.Identifier, e)
	}
}

func (p *Processor) correlateLocked(id string, e *entry) {
	src, okA := e.roles[capture.RoleSource]
	rly, okB := e.roles[capture.RoleRelay]
	if !okA || !okB {
		return
	}

	m := Measurement{Identifier: id}
	if src.ts <= rly.ts {
		m.RoleA, m.TimestampA, m.EndpointA = capture.RoleSource, src.ts, src.endpoint
		m.RoleB, m.TimestampB, m.EndpointB = capture.RoleRelay, rly.ts, rly.endpoint
	} else {
		// Relay before source: crossed roles or clock skew. Flag it.
		m.RoleA, m.TimestampA, m.EndpointA = capture.RoleRelay, rly.ts, rly.endpoint
		m.RoleB, m.TimestampB, m.EndpointB = capture.RoleSource, src.ts, src.endpoint
		m.Suspect = true
	}
	m.Delta = time.Duration(m.TimestampB - m.TimestampA)
	if m.Delta > p.cfg.SanityCeiling {
		m.Suspect = true
	}

	e.correlated = true
	e.touched = p.now()
	p.stats.Correlated++
	if m.Suspect {
		p.stats.Suspect++
		p.log.Warn("suspect measurement",
			zap.String("identifier", m.Identifier),
			zap.Duration("delta", m.Delta),
			zap.Stringer("first_role", m.RoleA))
	}

	p.latSum += m.Delta
	if p.stats.Correlated == 1 || m.Delta < p.latMin {
		p.latMin = m.Delta
	}
	if m.Delta > p.latMax {
		p.latMax = m.Delta
	}

	if err := p.sink.Write(m); err != nil {
		p.stats.SinkErrors++
		p.log.Warn("writing measurement", zap.Error(err))
	}
}

// Sweep evicts entries older than the retention window. Uncorrelated
// entries count as expired; correlated ones are simply forgotten.
func (p *Processor) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.Retention)
	for id, e := range p.entries {
		if e.touched.After(cutoff) {
			continue
		}
		if !e.correlated {
			p.stats.Expired++
			p.log.Debug("identifier expired uncorrelated", zap.String("identifier", id))
		}
		delete(p.entries, id)
	}
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Active = len(p.entries)
	return s
}

// Summary returns min/avg/max over all measured latencies.
func (p *Processor) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stats.Correlated == 0 {
		return Summary{}
	}
	return Summary{
		Count: p.stats.Correlated,
		Min:   p.latMin,
		Max:   p.latMax,
		Avg:   p.latSum / time.Duration(p.stats.Correlated),
	}
}
