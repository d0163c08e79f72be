// Package capture turns raw frames into correlation events. The Filter is
// the per-frame hook program: bounded work, read-only inspection, and a
// non-blocking hand-off to the Ring that moves events to the processing side.
package capture

import (
	"fmt"
	"net"
)

// Role is the logical capture position that observed an event.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleSource
	RoleRelay
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Event is one matched packet observation. Events are immutable after
// creation; ownership passes to the Ring on Offer and to the consumer on
// Poll.
type Event struct {
	// Timestamp is monotonic nanoseconds from the capture backend's clock.
	Timestamp uint64

	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16

	// Identifier is the extracted correlation token; empty means absent.
	Identifier string

	// Position is the optional sequence position within the stream.
	Position    uint32
	HasPosition bool

	Role Role
}

// SrcAddr returns the source endpoint as "ip:port".
func (e Event) SrcAddr() string {
	return fmt.Sprintf("%s:%d", net.IP(e.SrcIP[:]).String(), e.SrcPort)
}

// DstAddr returns the destination endpoint as "ip:port".
func (e Event) DstAddr() string {
	return fmt.Sprintf("%s:%d", net.IP(e.DstIP[:]).String(), e.DstPort)
}

// PortRoles maps the configured ports of interest to capture roles.
type PortRoles struct {
	SourcePort uint16
	RelayPort  uint16
}

// Classify derives the capture role of a packet from its ports: traffic
// leaving the source service is SOURCE, traffic arriving at the relay is
// RELAY, anything else on the watched ports is UNKNOWN.
func (p PortRoles) Classify(srcPort, dstPort uint16) Role {
	switch {
	case srcPort == p.SourcePort:
		return RoleSource
	case dstPort == p.RelayPort:
		return RoleRelay
	default:
		return RoleUnknown
	}
}

// Watches reports whether either port belongs to the allow-list.
func (p PortRoles) Watches(srcPort, dstPort uint16) bool {
	return srcPort == p.SourcePort || srcPort == p.RelayPort ||
		dstPort == p.SourcePort || dstPort == p.RelayPort
}
