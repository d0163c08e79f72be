package netif

import (
	"context"

	"github.com/vishvananda/netlink"
)

// netlinkLinks lists all links with their type names.
func netlinkLinks() ([]LinkInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, LinkInfo{Name: l.Attrs().Name, Kind: l.Type()})
	}
	return out, nil
}

// netlinkSubscribe converts kernel link updates into reconcile nudges. The
// update payload does not matter; any change triggers a fresh discovery.
func netlinkSubscribe(ctx context.Context) (<-chan struct{}, error) {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return nil, err
	}

	nudge := make(chan struct{}, 1)
	go func() {
		defer close(done)
		defer close(nudge)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				select {
				case nudge <- struct{}{}:
				default:
				}
			}
		}
	}()
	return nudge, nil
}
