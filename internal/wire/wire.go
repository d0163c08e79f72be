// Package wire decodes Ethernet/IPv4/TCP framing with strict bounds checks.
//
// Every field access is preceded by an explicit length check against the
// buffer, so a truncated or crafted frame can never cause a read past the
// end. Anything the decoder does not recognize (VLAN tags, IPv6, non-TCP,
// fragmented IPv4) is reported as not-applicable rather than an error.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	// EthHeaderLen is the length of an untagged Ethernet header.
	EthHeaderLen = 14
	// IPv4MinHeaderLen is the minimum IPv4 header length (IHL = 5).
	IPv4MinHeaderLen = 20
	// TCPMinHeaderLen is the minimum TCP header length (data offset = 5).
	TCPMinHeaderLen = 20

	etherTypeIPv4 = 0x0800
	protoTCP      = 6

	// fragment offset bits plus the more-fragments flag
	fragMask = 0x3fff
)

// Segment describes the TCP segment found inside a raw Ethernet frame.
// PayloadOff/PayloadLen delimit the TCP payload within the original frame;
// PayloadLen is clamped to the bytes actually present in the buffer.
type Segment struct {
	SrcIP      [4]byte
	DstIP      [4]byte
	SrcPort    uint16
	DstPort    uint16
	PayloadOff int
	PayloadLen int
}

// SrcAddr returns the source endpoint as "ip:port".
func (s Segment) SrcAddr() string {
	return fmt.Sprintf("%s:%d", net.IP(s.SrcIP[:]).String(), s.SrcPort)
}

// DstAddr returns the destination endpoint as "ip:port".
func (s Segment) DstAddr() string {
	return fmt.Sprintf("%s:%d", net.IP(s.DstIP[:]).String(), s.DstPort)
}

// Payload slices the TCP payload out of frame. The segment must have been
// produced by Parse over the same frame.
func (s Segment) Payload(frame []byte) []byte {
	return frame[s.PayloadOff : s.PayloadOff+s.PayloadLen]
}

// Parse decodes the Ethernet, IPv4 and TCP headers of frame and locates the
// TCP payload. It returns ok=false for any frame that is not a well-formed,
// unfragmented Ethernet/IPv4/TCP packet, including frames whose declared
// header lengths are inconsistent with the bytes available.
func Parse(frame []byte) (Segment, bool) {
	var seg Segment

	if len(frame) < EthHeaderLen {
		return seg, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		// 802.1Q tags land here too; tagged frames are not supported.
		return seg, false
	}

	ip := frame[EthHeaderLen:]
	if len(ip) < IPv4MinHeaderLen {
		return seg, false
	}
	if ip[0]>>4 != 4 {
		return seg, false
	}
	ipHdrLen := int(ip[0]&0x0f) * 4
	if ipHdrLen < IPv4MinHeaderLen || len(ip) < ipHdrLen {
		return seg, false
	}
	if ip[9] != protoTCP {
		return seg, false
	}
	if binary.BigEndian.Uint16(ip[6:8])&fragMask != 0 {
		// Fragmented packets would need reassembly to find the payload.
		return seg, false
	}
	totalLen := int(binary.BigEndian.Uint16(ip[2:4]))
	if totalLen < ipHdrLen {
		return seg, false
	}

	tcp := ip[ipHdrLen:]
	if len(tcp) < TCPMinHeaderLen {
		return seg, false
	}
	tcpHdrLen := int(tcp[12]>>4) * 4
	if tcpHdrLen < TCPMinHeaderLen || len(tcp) < tcpHdrLen {
		return seg, false
	}

	copy(seg.SrcIP[:], ip[12:16])
	copy(seg.DstIP[:], ip[16:20])
	seg.SrcPort = binary.BigEndian.Uint16(tcp[0:2])
	seg.DstPort = binary.BigEndian.Uint16(tcp[2:4])

	seg.PayloadOff = EthHeaderLen + ipHdrLen + tcpHdrLen

	// The IP total length is authoritative for where the payload ends, but
	// the capture may have truncated the frame before that.
	end := EthHeaderLen + totalLen
	if end > len(frame) {
		end = len(frame)
	}
	if end < seg.PayloadOff {
		return seg, false
	}
	seg.PayloadLen = end - seg.PayloadOff

	return seg, true
}
