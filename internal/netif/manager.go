// Package netif keeps capture hooks attached to the right set of network
// interfaces as they come and go. Attachment is idempotent per interface and
// direction, per-interface failures are isolated, and everything the manager
// attached is released on Close.
package netif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoCapturePoints is returned by Run when the initial reconciliation
// attaches to zero interfaces. With no capture points the process has
// nothing to measure, so startup must fail loudly.
var ErrNoCapturePoints = errors.New("netif: no interface could be attached")

// Direction selects the ingress or egress hook of an interface.
type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "egress"
	}
	return "ingress"
}

// Directions lists both hook directions.
var Directions = []Direction{Ingress, Egress}

// Hook performs the actual attach mechanics for one interface/direction and
// returns a handle that detaches on Close. Implementations: the TC/eBPF hook
// in this package and the pcap hook in internal/capture.
type Hook interface {
	Attach(ifaceName string, dir Direction) (io.Closer, error)
}

// LinkInfo is the interface metadata the selection policy sees.
type LinkInfo struct {
	Name string
	Kind string
}

// Policy decides which interfaces qualify for capture.
type Policy struct {
	// Kind matches the link type exactly; empty accepts any type.
	Kind string
	// NamePattern optionally restricts by interface name.
	NamePattern *regexp.Regexp
}

// DefaultPolicy selects veth interfaces, the virtual pair ends pods hang off.
func DefaultPolicy() Policy {
	return Policy{Kind: "veth"}
}

// Match reports whether link qualifies under the policy.
func (p Policy) Match(link LinkInfo) bool {
	if p.Kind != "" && link.Kind != p.Kind {
		return false
	}
	if p.NamePattern != nil && !p.NamePattern.MatchString(link.Name) {
		return false
	}
	return true
}

// Attachment records one live hook created by the manager.
type Attachment struct {
	Interface  string
	Dir        Direction
	AttachedAt time.Time

	handle io.Closer
}

type attachKey struct {
	name string
	dir  Direction
}

// Manager reconciles the set of attached interfaces against discovery
// results. All methods are safe for concurrent use.
type Manager struct {
	hook   Hook
	policy Policy
	log    *zap.Logger

	// discovery and topology-notification seams, replaced in tests
	listLinks func() ([]LinkInfo, error)
	subscribe func(ctx context.Context) (<-chan struct{}, error)

	mu       sync.Mutex
	attached map[attachKey]*Attachment
}

// NewManager builds a Manager using netlink for discovery and topology
// notifications.
func NewManager(hook Hook, policy Policy, log *zap.Logger) *Manager {
	return &Manager{
		hook:      hook,
		policy:    policy,
		log:       log,
		listLinks: netlinkLinks,
		subscribe: netlinkSubscribe,
		attached:  make(map[attachKey]*Attachment),
	}
}

// Discover returns the names of interfaces matching the selection policy.
func (m *Manager) Discover() ([]string, error) {
	links, err := m.listLinks()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	var names []string
	for _, l := range links {
		if m.policy.Match(l) {
			names = append(names, l.Name)
		}
	}
	return names, nil
}

// EnsureAttached attaches the hook to one interface/direction. Calling it
// again for the same pair is a no-op success; there is never a second hook.
// It reports whether a new attachment was created.
func (m *Manager) EnsureAttached(name string, dir Direction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(name, dir)
}

func (m *Manager) ensureLocked(name string, dir Direction) (bool, error) {
	key := attachKey{name: name, dir: dir}
	if _, ok := m.attached[key]; ok {
		return false, nil
	}
	handle, err := m.hook.Attach(name, dir)
	if err != nil {
		return false, fmt.Errorf("attaching %s %s: %w", name, dir, err)
	}
	m.attached[key] = &Attachment{
		Interface:  name,
		Dir:        dir,
		AttachedAt: time.Now(),
		handle:     handle,
	}
	m.log.Info("attached capture hook",
		zap.String("interface", name),
		zap.Stringer("direction", dir))
	return true, nil
}

// Reconcile brings the attachment set in line with names: new interfaces are
// attached in both directions, attachments for vanished interfaces are
// released and forgotten. A failure on one interface never stops the others.
func (m *Manager) Reconcile(names []string) {
	current := make(map[string]struct{}, len(names))
	for _, n := range names {
		current[n] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, att := range m.attached {
		if _, ok := current[key.name]; ok {
			continue
		}
		// The interface is gone; its kernel hook went with it, but the
		// handle may still hold userspace resources.
		if err := att.handle.Close(); err != nil {
			m.log.Debug("releasing stale attachment",
				zap.String("interface", key.name), zap.Error(err))
		}
		delete(m.attached, key)
		m.log.Info("interface vanished, attachment reconciled out",
			zap.String("interface", key.name),
			zap.Stringer("direction", key.dir))
	}

	for _, name := range names {
		for _, dir := range Directions {
			if _, err := m.ensureLocked(name, dir); err != nil {
				m.log.Warn("attach failed", zap.Error(err))
			}
		}
	}
}

// Run performs an initial discovery pass and then keeps reconciling on a
// fixed interval and on topology-change notifications until ctx is
// cancelled. It returns ErrNoCapturePoints if the initial pass attaches
// nothing.
func (m *Manager) Run(ctx context.Context, rescan time.Duration) error {
	names, err := m.Discover()
	if err != nil {
		return err
	}
	m.Reconcile(names)
	if m.Count() == 0 {
		return ErrNoCapturePoints
	}

	notify, err := m.subscribe(ctx)
	if err != nil {
		m.log.Warn("topology subscription unavailable, relying on rescan timer",
			zap.Error(err))
		notify = nil
	}

	ticker := time.NewTicker(rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
		}
		names, err := m.Discover()
		if err != nil {
			m.log.Warn("interface discovery failed", zap.Error(err))
			continue
		}
		m.Reconcile(names)
	}
}

// Count returns the number of live attachments.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attached)
}

// Attachments returns a snapshot of the live attachments.
func (m *Manager) Attachments() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attachment, 0, len(m.attached))
	for _, att := range m.attached {
		out = append(out, *att)
	}
	return out
}

// Close releases every attachment this manager created. Leaving a hook
// behind would keep intercepting traffic after the process exits.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, att := range m.attached {
		if err := att.handle.Close(); err != nil {
			m.log.Warn("detach failed",
				zap.String("interface", key.name),
				zap.Stringer("direction", key.dir),
				zap.Error(err))
		}
		delete(m.attached, key)
	}
}
