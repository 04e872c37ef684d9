// Package rules holds the keep rules the marker hands to the masker: which
// TCP sequence ranges of which directional stream survive redaction.
package rules

import (
	"fmt"
	"net"
	"net/netip"
)

// Direction tells the two halves of one TCP connection apart. Forward is
// the half sent by the lower endpoint (address, then port).
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// StreamID identifies one direction of a TCP connection. The two
// directions of a connection are distinct keys.
type StreamID struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Dir     Direction
}

// NewStreamID builds the StreamID of the src→dst half of a connection.
func NewStreamID(src netip.Addr, srcPort uint16, dst netip.Addr, dstPort uint16) StreamID {
	src, dst = src.Unmap(), dst.Unmap()
	id := StreamID{SrcAddr: src, SrcPort: srcPort, DstAddr: dst, DstPort: dstPort, Dir: Forward}
	if c := src.Compare(dst); c > 0 || (c == 0 && srcPort > dstPort) {
		id.Dir = Reverse
	}
	return id
}

// StreamFromIP is NewStreamID for net.IP addresses as decoded by gopacket.
func StreamFromIP(src net.IP, srcPort uint16, dst net.IP, dstPort uint16) (StreamID, bool) {
	s, ok1 := netip.AddrFromSlice(src)
	d, ok2 := netip.AddrFromSlice(dst)
	if !ok1 || !ok2 {
		return StreamID{}, false
	}
	return NewStreamID(s, srcPort, d, dstPort), true
}

// ParseStreamID builds a StreamID from textual addresses.
func ParseStreamID(src string, srcPort uint16, dst string, dstPort uint16) (StreamID, error) {
	s, err := netip.ParseAddr(src)
	if err != nil {
		return StreamID{}, fmt.Errorf("source address: %w", err)
	}
	d, err := netip.ParseAddr(dst)
	if err != nil {
		return StreamID{}, fmt.Errorf("destination address: %w", err)
	}
	return NewStreamID(s, srcPort, d, dstPort), nil
}

// Reverse returns the other direction of the same connection.
func (s StreamID) Reverse() StreamID {
	return NewStreamID(s.DstAddr, s.DstPort, s.SrcAddr, s.SrcPort)
}

func (s StreamID) String() string {
	return netip.AddrPortFrom(s.SrcAddr, s.SrcPort).String() + "->" +
		netip.AddrPortFrom(s.DstAddr, s.DstPort).String()
}

// MarshalText implements encoding.TextMarshaler so StreamIDs can key JSON
// objects.
func (s StreamID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
