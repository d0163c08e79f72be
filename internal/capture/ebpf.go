package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"pathlat/internal/token"
)

const (
	ebpfProgName = "tc_token_trace"
	ebpfMapName  = "events"

	// maxConsecutiveReadErrs bounds retries on a broken ring buffer reader.
	// A single failed read is retried; a reader that never recovers is not.
	maxConsecutiveReadErrs = 10
)

// kernelEvent mirrors struct token_event in bpf/tc_token_tracer.c, including
// its alignment padding. Keep the two in sync.
type kernelEvent struct {
	TimestampNs uint64
	SrcIP       uint32
	DstIP       uint32
	SrcPort     uint16
	DstPort     uint16
	Token       [37]byte
	_           [3]byte
	Position    uint32
	Found       uint8
	FoundPos    uint8
	_           [6]byte
}

var kernelEventSize = binary.Size(kernelEvent{})

// decodeKernelRecord converts one raw ring buffer sample into an Event.
// ok=false with a nil error means the record carried no token and is simply
// skipped; a non-nil error means the record itself was malformed.
func decodeKernelRecord(raw []byte, ports PortRoles, idLen int) (Event, bool, error) {
	if len(raw) < kernelEventSize {
		return Event{}, false, fmt.Errorf("kernel record too short: %d bytes", len(raw))
	}

	var ke kernelEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ke); err != nil {
		return Event{}, false, err
	}
	if ke.Found == 0 {
		return Event{}, false, nil
	}

	id := string(bytes.TrimRight(ke.Token[:], "\x00"))
	if len(id) != idLen || !token.ValidIdentifier(id) {
		// Partial or malformed tokens never reach the correlator.
		return Event{}, false, fmt.Errorf("malformed token %q", id)
	}

	ev := Event{
		Timestamp:  ke.TimestampNs,
		SrcPort:    ke.SrcPort,
		DstPort:    ke.DstPort,
		Identifier: id,
		Role:       ports.Classify(ke.SrcPort, ke.DstPort),
	}
	binary.LittleEndian.PutUint32(ev.SrcIP[:], ke.SrcIP)
	binary.LittleEndian.PutUint32(ev.DstIP[:], ke.DstIP)
	if ke.FoundPos != 0 {
		ev.Position = ke.Position
		ev.HasPosition = true
	}
	return ev, true, nil
}

// ringbufReader is the slice of ringbuf.Reader the drain loop needs.
type ringbufReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// EBPFSource is the kernel capture backend. The TC classifier does the
// parsing, port filtering and token extraction in kernel context and hands
// finished records over its ring buffer map; this side only decodes them
// into Events and feeds the shared Ring.
type EBPFSource struct {
	coll  *ebpf.Collection
	rd    ringbufReader
	ring  *Ring
	ports PortRoles
	idLen int
	log   *zap.Logger
	done  chan struct{}

	received   atomic.Uint64
	decodeErrs atomic.Uint64
}

// OpenEBPFSource loads the compiled TC object from objPath and opens its
// event ring buffer. The returned source's Program is what the TC hook
// attaches to interfaces.
func OpenEBPFSource(objPath string, ports PortRoles, idLen int, ring *Ring, log *zap.Logger) (*EBPFSource, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading eBPF spec %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("creating eBPF collection: %w", err)
	}
	if coll.Programs[ebpfProgName] == nil {
		coll.Close()
		return nil, fmt.Errorf("program %s not found in %s", ebpfProgName, objPath)
	}
	events, ok := coll.Maps[ebpfMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("map %s not found in %s", ebpfMapName, objPath)
	}

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}

	return &EBPFSource{
		coll:  coll,
		rd:    rd,
		ring:  ring,
		ports: ports,
		idLen: idLen,
		log:   log,
		done:  make(chan struct{}),
	}, nil
}

// Program returns the TC classifier program for attachment.
func (s *EBPFSource) Program() *ebpf.Program {
	return s.coll.Programs[ebpfProgName]
}

// Run drains kernel records until the source is closed or ctx is cancelled.
// Decode failures are counted and skipped, never fatal.
func (s *EBPFSource) Run(ctx context.Context) {
	defer close(s.done)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.rd.Close()
		case <-stop:
		}
	}()

	consecutive := 0
	for {
		record, err := s.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			consecutive++
			if consecutive >= maxConsecutiveReadErrs {
				s.log.Error("kernel event reader failing persistently, giving up",
					zap.Int("consecutive", consecutive), zap.Error(err))
				return
			}
			s.log.Warn("reading kernel events", zap.Error(err))
			continue
		}
		consecutive = 0

		ev, ok, err := decodeKernelRecord(record.RawSample, s.ports, s.idLen)
		if err != nil {
			s.decodeErrs.Add(1)
			continue
		}
		s.received.Add(1)
		if !ok {
			continue
		}
		s.ring.Offer(ev)
	}
}

// Wait blocks until Run has returned. Call it after Close and before
// closing the shared ring, so no offer can race the ring shutdown.
func (s *EBPFSource) Wait() {
	<-s.done
}

// Received returns the number of kernel records decoded successfully.
func (s *EBPFSource) Received() uint64 { return s.received.Load() }

// DecodeErrors returns the number of malformed kernel records skipped.
func (s *EBPFSource) DecodeErrors() uint64 { return s.decodeErrs.Load() }

// Close releases the ring buffer reader and the eBPF collection. Detach the
// TC filters first so no program instance outlives its maps.
func (s *EBPFSource) Close() {
	s.rd.Close()
	if s.coll != nil {
		s.coll.Close()
	}
}
