package netif

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const tcFilterName = "pathlat_tc"

// TCHook attaches a loaded eBPF classifier to an interface's clsact qdisc.
// The program itself only inspects and always returns TC_ACT_OK, so traffic
// is never altered.
type TCHook struct {
	Prog *ebpf.Program
}

// Attach ensures a clsact qdisc on the interface and adds a BPF filter at
// the requested direction. The returned closer deletes the filter; the
// qdisc is left in place since other tools may share it.
func (h *TCHook) Attach(ifaceName string, dir Direction) (io.Closer, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", ifaceName, err)
	}
	idx := link.Attrs().Index

	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: idx,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("adding clsact qdisc on %s: %w", ifaceName, err)
	}

	parent := uint32(netlink.HANDLE_MIN_INGRESS)
	if dir == Egress {
		parent = netlink.HANDLE_MIN_EGRESS
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: idx,
			Parent:    parent,
			Priority:  1,
			Protocol:  unix.ETH_P_ALL,
		},
		Fd:           h.Prog.FD(),
		Name:         tcFilterName,
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		if errors.Is(err, os.ErrExist) {
			// A previous run left its filter behind; replace it so the
			// handle we return owns the live hook.
			if err := netlink.FilterReplace(filter); err != nil {
				return nil, fmt.Errorf("replacing tc filter on %s %s: %w", ifaceName, dir, err)
			}
		} else {
			return nil, fmt.Errorf("adding tc filter on %s %s: %w", ifaceName, dir, err)
		}
	}

	return &tcAttachment{filter: filter}, nil
}

type tcAttachment struct {
	filter *netlink.BpfFilter
}

func (a *tcAttachment) Close() error {
	if err := netlink.FilterDel(a.filter); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
