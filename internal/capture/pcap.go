package capture

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"

	"pathlat/internal/netif"
	"pathlat/internal/token"
)

const defaultSnapLen = 512

// PcapHook is the userspace capture backend: each attachment opens a pcap
// handle on the interface with the matching direction filter and runs the
// Filter over every frame it delivers. Used when no compiled eBPF object is
// configured.
type PcapHook struct {
	Config    FilterConfig
	Extractor token.Extractor
	Ring      *Ring
	Log       *zap.Logger
	// SnapLen caps the captured bytes per frame; 0 means the default (512),
	// enough for headers plus the token scan window.
	SnapLen int32

	mu      sync.Mutex
	filters []*Filter
	retired FilterStats
}

// Attach opens the interface and starts the capture loop. Each attachment
// gets its own Filter so the per-hook dedup state stays single-threaded;
// all filters share the hook's ring.
func (h *PcapHook) Attach(name string, dir netif.Direction) (io.Closer, error) {
	snap := h.SnapLen
	if snap <= 0 {
		snap = defaultSnapLen
	}
	handle, err := pcap.OpenLive(name, snap, true, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	pdir := pcap.DirectionIn
	if dir == netif.Egress {
		pdir = pcap.DirectionOut
	}
	if err := handle.SetDirection(pdir); err != nil {
		handle.Close()
		return nil, fmt.Errorf("setting direction on %s: %w", name, err)
	}

	f := NewFilter(h.Config, h.Extractor, h.Ring)
	h.mu.Lock()
	h.filters = append(h.filters, f)
	h.mu.Unlock()

	att := &pcapAttachment{
		hook:   h,
		filter: f,
		handle: handle,
		done:   make(chan struct{}),
	}
	att.wg.Add(1)
	go att.loop(f, h.Log.With(
		zap.String("interface", name),
		zap.Stringer("direction", dir)))
	return att, nil
}

// Stats sums the counters of every live filter plus the final counts of
// filters whose attachments have been closed.
func (h *PcapHook) Stats() FilterStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := h.retired
	for _, f := range h.filters {
		total.add(f.Stats())
	}
	return total
}

// detach folds the filter's final counters into the retired total and drops
// it from the live list, so churned interfaces do not accumulate state.
func (h *PcapHook) detach(f *Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.filters {
		if x == f {
			h.retired.add(f.Stats())
			h.filters = append(h.filters[:i], h.filters[i+1:]...)
			return
		}
	}
}

func (s *FilterStats) add(o FilterStats) {
	s.Frames += o.Frames
	s.Matched += o.Matched
	s.Extracted += o.Extracted
	s.Duplicates += o.Duplicates
	s.Enqueued += o.Enqueued
}

type pcapAttachment struct {
	hook   *PcapHook
	filter *Filter
	handle *pcap.Handle
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func (a *pcapAttachment) loop(f *Filter, log *zap.Logger) {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		default:
		}
		data, ci, err := a.handle.ZeroCopyReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			log.Debug("capture loop ended", zap.Error(err))
			return
		}
		f.Inspect(data, uint64(ci.Timestamp.UnixNano()))
	}
}

// Close stops the capture loop and releases the pcap handle.
func (a *pcapAttachment) Close() error {
	a.once.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.handle.Close()
		a.hook.detach(a.filter)
	})
	return nil
}
