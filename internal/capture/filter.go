package capture

import (
	"sync/atomic"

	"pathlat/internal/token"
	"pathlat/internal/wire"
)

// Verdict is the disposition of the underlying packet. Inspection is
// read-only, so the verdict is always VerdictPass; the type exists so the
// contract is visible at the call site.
type Verdict uint8

// VerdictPass lets the packet continue untouched.
const VerdictPass Verdict = 0

// FilterConfig carries the static capture configuration, read once at
// startup.
type FilterConfig struct {
	Ports PortRoles
	// MinPayload skips frames whose TCP payload is shorter than this; the
	// instrumented messages are large, so short segments are pure overhead.
	MinPayload int
	// DedupCapacity bounds the per-filter duplicate-suppression set.
	DedupCapacity int
}

// FilterStats is a snapshot of the filter's counters.
type FilterStats struct {
	Frames     uint64
	Matched    uint64
	Extracted  uint64
	Duplicates uint64
	Enqueued   uint64
}

// Filter is the per-frame capture program. Inspect does a bounded amount of
// work per invocation and never blocks: header parse, port match, token
// extraction and a non-blocking ring offer. All failures result in a pass
// verdict with no event, never in an error.
type Filter struct {
	cfg  FilterConfig
	ext  token.Extractor
	ring *Ring
	seen *dedupSet

	frames     atomic.Uint64
	matched    atomic.Uint64
	extracted  atomic.Uint64
	duplicates atomic.Uint64
	enqueued   atomic.Uint64
}

// NewFilter builds a Filter feeding ring. The extractor defines the marker
// pattern and identifier length to search for.
func NewFilter(cfg FilterConfig, ext token.Extractor, ring *Ring) *Filter {
	if cfg.DedupCapacity < 1 {
		cfg.DedupCapacity = 1024
	}
	return &Filter{
		cfg:  cfg,
		ext:  ext,
		ring: ring,
		seen: newDedupSet(cfg.DedupCapacity),
	}
}

// Inspect examines one raw frame observed at ts (nanoseconds) and offers an
// event to the ring when the frame carries a token on a port of interest.
// Inspect is not safe for concurrent use; each capture hook owns its Filter
// or serializes calls.
func (f *Filter) Inspect(frame []byte, ts uint64) Verdict {
	f.frames.Add(1)

	seg, ok := wire.Parse(frame)
	if !ok {
		return VerdictPass
	}
	if !f.cfg.Ports.Watches(seg.SrcPort, seg.DstPort) {
		return VerdictPass
	}
	if seg.PayloadLen < f.cfg.MinPayload {
		return VerdictPass
	}
	f.matched.Add(1)

	payload := seg.Payload(frame)
	id, ok := f.ext.Extract(payload)
	if !ok {
		return VerdictPass
	}
	f.extracted.Add(1)

	role := f.cfg.Ports.Classify(seg.SrcPort, seg.DstPort)

	// One event per (token, role) within this hook's recent history.
	if f.seen.seen(dedupKey(id, role)) {
		f.duplicates.Add(1)
		return VerdictPass
	}

	ev := Event{
		Timestamp:  ts,
		SrcIP:      seg.SrcIP,
		DstIP:      seg.DstIP,
		SrcPort:    seg.SrcPort,
		DstPort:    seg.DstPort,
		Identifier: id,
		Role:       role,
	}
	if pos, ok := f.ext.ExtractSeq(payload); ok {
		ev.Position = pos
		ev.HasPosition = true
	}

	if f.ring.Offer(ev) {
		f.enqueued.Add(1)
	}
	return VerdictPass
}

// Stats returns a snapshot of the filter counters.
func (f *Filter) Stats() FilterStats {
	return FilterStats{
		Frames:     f.frames.Load(),
		Matched:    f.matched.Load(),
		Extracted:  f.extracted.Load(),
		Duplicates: f.duplicates.Load(),
		Enqueued:   f.enqueued.Load(),
	}
}

func dedupKey(id string, role Role) string {
	return id + "/" + role.String()
}
