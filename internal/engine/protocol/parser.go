package protocol

import (
	"encoding/binary"
	"fmt"
	"net"

	"PcapSanitizer/internal/pkg/checksum"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PacketView locates the IP and transport headers inside a raw frame so that
// stages can rewrite bytes in place without re-serialising the packet.
type PacketView struct {
	IPVersion   uint8
	NetOffset   int
	NetHdrLen   int
	SrcIP       net.IP
	DstIP       net.IP
	Transport   layers.IPProtocol
	TransOffset int
	TransHdrLen int
	SrcPort     uint16
	DstPort     uint16

	// TCP only. PayloadSeq is the sequence number of the first payload
	// byte; the SYN flag occupies Seq, so data on a SYN starts one later.
	Seq        uint32
	PayloadSeq uint32
	SYN, FIN   bool

	// PayloadOffset is where the transport payload starts. PayloadLen is the
	// length claimed by the IP header; CapturedPayload is how many of those
	// bytes are actually present in the frame.
	PayloadOffset   int
	PayloadLen      int
	CapturedPayload int
}

// IsTCP reports whether the view carries a decoded TCP header.
func (v *PacketView) IsTCP() bool {
	return v != nil && v.Transport == layers.IPProtocolTCP
}

// Payload returns the captured payload bytes, aliasing data.
func (v *PacketView) Payload(data []byte) []byte {
	return data[v.PayloadOffset : v.PayloadOffset+v.CapturedPayload]
}

// ParsePacket uses gopacket to decode a raw frame and records the offsets of
// the IP header, the transport header and the payload. Packets without an IP
// layer return an error; IP packets whose transport layer is not TCP or UDP
// (or is a non-first fragment) return a view with Transport set but no
// transport offsets.
func ParsePacket(data []byte, linkType layers.LinkType) (*PacketView, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	view := &PacketView{}
	offset := 0
	sawIP := false

	for _, layer := range packet.Layers() {
		switch l := layer.(type) {
		case *layers.IPv4:
			if sawIP {
				// Tunnelled inner header; rewriting stops at the outer one.
				return view, nil
			}
			sawIP = true
			view.IPVersion = 4
			view.NetOffset = offset
			view.NetHdrLen = len(l.Contents)
			view.SrcIP = l.SrcIP
			view.DstIP = l.DstIP
			view.Transport = l.Protocol
			if l.Flags&layers.IPv4MoreFragments != 0 || l.FragOffset != 0 {
				view.Transport = 0
				return view, nil
			}
		case *layers.IPv6:
			if sawIP {
				return view, nil
			}
			sawIP = true
			view.IPVersion = 6
			view.NetOffset = offset
			view.NetHdrLen = len(l.Contents)
			view.SrcIP = l.SrcIP
			view.DstIP = l.DstIP
			view.Transport = l.NextHeader
		case *layers.IPv6Fragment:
			view.Transport = 0
			return view, nil
		case *layers.TCP:
			if !sawIP {
				return nil, fmt.Errorf("tcp layer without ip layer")
			}
			view.Transport = layers.IPProtocolTCP
			view.TransOffset = offset
			view.TransHdrLen = len(l.Contents)
			view.SrcPort = uint16(l.SrcPort)
			view.DstPort = uint16(l.DstPort)
			view.Seq = l.Seq
			view.PayloadSeq = l.Seq
			if l.SYN {
				view.PayloadSeq++
			}
			view.SYN = l.SYN
			view.FIN = l.FIN
			view.PayloadOffset = offset + len(l.Contents)
			view.CapturedPayload = len(l.Payload)
			view.PayloadLen = view.claimedPayload(data)
			return view, nil
		case *layers.UDP:
			if !sawIP {
				return nil, fmt.Errorf("udp layer without ip layer")
			}
			view.Transport = layers.IPProtocolUDP
			view.TransOffset = offset
			view.TransHdrLen = len(l.Contents)
			view.SrcPort = uint16(l.SrcPort)
			view.DstPort = uint16(l.DstPort)
			view.PayloadOffset = offset + len(l.Contents)
			view.CapturedPayload = len(l.Payload)
			view.PayloadLen = view.claimedPayload(data)
			return view, nil
		case *gopacket.DecodeFailure:
			if !sawIP {
				return nil, fmt.Errorf("failed to decode packet: %v", l.Error())
			}
			// The IP header decoded but what follows did not; keep what we have
			// and drop the transport so the packet is left alone.
			if view.TransOffset == 0 {
				view.Transport = 0
			}
			return view, nil
		}
		offset += len(layer.LayerContents())
	}

	if !sawIP {
		return nil, fmt.Errorf("not an IP packet")
	}
	return view, nil
}

// claimedPayload derives the payload length from the IP header, which is
// authoritative when the frame is truncated by the snap length.
func (v *PacketView) claimedPayload(data []byte) int {
	var ipEnd int
	switch v.IPVersion {
	case 4:
		if len(data) < v.NetOffset+4 {
			return v.CapturedPayload
		}
		ipEnd = v.NetOffset + int(binary.BigEndian.Uint16(data[v.NetOffset+2:]))
	case 6:
		if len(data) < v.NetOffset+6 {
			return v.CapturedPayload
		}
		ipEnd = v.NetOffset + 40 + int(binary.BigEndian.Uint16(data[v.NetOffset+4:]))
	default:
		return v.CapturedPayload
	}
	n := ipEnd - v.PayloadOffset
	if n < v.CapturedPayload {
		return v.CapturedPayload
	}
	return n
}

// FullyCaptured reports whether every byte covered by the transport checksum
// is present in the frame.
func (v *PacketView) FullyCaptured() bool {
	return v.CapturedPayload == v.PayloadLen
}

// RecomputeChecksums rewrites the IPv4 header checksum and, for a fully
// captured packet, the TCP or UDP checksum in place. It reports false when
// the packet is truncated and the transport checksum was left as it was.
func (v *PacketView) RecomputeChecksums(data []byte) bool {
	if v.IPVersion == 4 {
		hdr := data[v.NetOffset : v.NetOffset+v.NetHdrLen]
		binary.BigEndian.PutUint16(hdr[10:], checksum.IPv4Header(hdr))
	}
	if !v.FullyCaptured() {
		return false
	}

	var csumOffset int
	switch v.Transport {
	case layers.IPProtocolTCP:
		csumOffset = 16
	case layers.IPProtocolUDP:
		csumOffset = 6
	default:
		return true
	}

	segment := data[v.TransOffset : v.PayloadOffset+v.PayloadLen]
	if v.Transport == layers.IPProtocolUDP && v.IPVersion == 4 && binary.BigEndian.Uint16(segment[6:]) == 0 {
		// IPv4 UDP without a checksum stays without one.
		return true
	}
	src, dst := v.addrBytes(data)
	csum := checksum.Transport(src, dst, uint8(v.Transport), segment, csumOffset)
	if v.Transport == layers.IPProtocolUDP && csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(segment[csumOffset:], csum)
	return true
}

// addrBytes returns the addresses currently stored in the IP header, which
// may have been rewritten since the packet was parsed.
func (v *PacketView) addrBytes(data []byte) (src, dst []byte) {
	hdr := data[v.NetOffset:]
	if v.IPVersion == 4 {
		return hdr[12:16], hdr[16:20]
	}
	return hdr[8:24], hdr[24:40]
}
