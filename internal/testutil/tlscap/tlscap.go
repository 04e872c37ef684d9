// Package tlscap builds small synthetic captures with TLS-over-TCP traffic.
// It backs the package tests and scripts/pcapgen.
package tlscap

import (
	"encoding/binary"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// TLS content types.
const (
	ChangeCipherSpec uint8 = 20
	Alert            uint8 = 21
	Handshake        uint8 = 22
	ApplicationData  uint8 = 23
	Heartbeat        uint8 = 24
)

// Endpoint is one side of a TCP connection.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Segment describes one TCP packet.
type Segment struct {
	Src, Dst Endpoint
	Seq      uint32
	Ack      uint32
	SYN, FIN bool
	Payload  []byte
}

// Record returns a TLS 1.2 record with the given type and body.
func Record(contentType uint8, body []byte) []byte {
	rec := make([]byte, 5+len(body))
	rec[0] = contentType
	rec[1], rec[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(rec[3:5], uint16(len(body)))
	copy(rec[5:], body)
	return rec
}

// Body returns n bytes of non-zero filler, so masking is observable.
func Body(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%200) + 1
		if b[i] == 0 {
			b[i] = 0xAA
		}
	}
	return b
}

// TCP serialises an Ethernet/IPv4(or IPv6)/TCP frame with valid checksums.
func TCP(seg Segment) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.Src.Port),
		DstPort: layers.TCPPort(seg.Dst.Port),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		FIN:     seg.FIN,
		ACK:     !seg.SYN || seg.Ack != 0,
		PSH:     len(seg.Payload) > 0,
		Window:  64240,
	}

	var network gopacket.SerializableLayer
	if v4 := seg.Src.IP.To4(); v4 != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    v4,
			DstIP:    seg.Dst.IP.To4(),
		}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      seg.Src.IP,
			DstIP:      seg.Dst.IP,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(seg.Payload)); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// UDP serialises an Ethernet/IPv4/UDP frame with valid checksums.
func UDP(src, dst Endpoint, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.IP.To4(),
		DstIP:    dst.IP.To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// Conn tracks sequence numbers for both directions of one TCP connection.
type Conn struct {
	Client, Server       Endpoint
	clientSeq, serverSeq uint32
}

// NewConn starts a connection whose first client and server payload bytes
// sit at clientISN and serverISN.
func NewConn(client, server Endpoint, clientISN, serverISN uint32) *Conn {
	return &Conn{Client: client, Server: server, clientSeq: clientISN, serverSeq: serverISN}
}

// ClientSeq returns the sequence number of the next client payload byte.
func (c *Conn) ClientSeq() uint32 { return c.clientSeq }

// ServerSeq returns the sequence number of the next server payload byte.
func (c *Conn) ServerSeq() uint32 { return c.serverSeq }

// FromClient builds a client→server packet carrying payload and advances
// the client sequence number.
func (c *Conn) FromClient(payload []byte) []byte {
	pkt := TCP(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, Ack: c.serverSeq, Payload: payload})
	c.clientSeq += uint32(len(payload))
	return pkt
}

// FromServer builds a server→client packet carrying payload.
func (c *Conn) FromServer(payload []byte) []byte {
	pkt := TCP(Segment{Src: c.Server, Dst: c.Client, Seq: c.serverSeq, Ack: c.clientSeq, Payload: payload})
	c.serverSeq += uint32(len(payload))
	return pkt
}

// Handshake builds the SYN, SYN/ACK and ACK packets. Payload sequence
// numbers are unchanged; the SYNs use ISN-1.
func (c *Conn) Handshake() [][]byte {
	return [][]byte{
		TCP(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq - 1, SYN: true}),
		TCP(Segment{Src: c.Server, Dst: c.Client, Seq: c.serverSeq - 1, Ack: c.clientSeq, SYN: true}),
		TCP(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, Ack: c.serverSeq}),
	}
}

// WriteFile writes packets to an Ethernet pcap file.
func WriteFile(path string, packets [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return write(pcapgo.NewWriter(f), packets)
}

// WriteNgFile writes packets to an Ethernet pcapng file.
func WriteNgFile(path string, packets [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		return err
	}
	ts := time.Unix(1700000000, 0)
	for i, p := range packets {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(p), Length: len(p)}
		if err := w.WritePacket(ci, p); err != nil {
			return err
		}
	}
	return w.Flush()
}

// NgPacket is one packet of a multi-interface pcapng file.
type NgPacket struct {
	Interface int
	Data      []byte
}

// WriteMixedNgFile writes a pcapng file with one interface per entry of
// linkTypes.
func WriteMixedNgFile(path string, linkTypes []layers.LinkType, packets []NgPacket) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := pcapgo.NewNgWriterInterface(f, pcapgo.NgInterface{LinkType: linkTypes[0], SnapLength: 65536}, pcapgo.DefaultNgWriterOptions)
	if err != nil {
		return err
	}
	for _, lt := range linkTypes[1:] {
		if _, err := w.AddInterface(pcapgo.NgInterface{LinkType: lt, SnapLength: 65536}); err != nil {
			return err
		}
	}
	ts := time.Unix(1700000000, 0)
	for i, p := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:      ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength:  len(p.Data),
			Length:         len(p.Data),
			InterfaceIndex: p.Interface,
		}
		if err := w.WritePacket(ci, p.Data); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Raw strips the Ethernet header from a frame built by TCP or UDP.
func Raw(frame []byte) []byte {
	return append([]byte(nil), frame[14:]...)
}

func write(w *pcapgo.Writer, packets [][]byte) error {
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return err
	}
	ts := time.Unix(1700000000, 0)
	for i, p := range packets {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(p), Length: len(p)}
		if err := w.WritePacket(ci, p); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile returns every packet of a capture file, using pcapgo directly
// so tests do not depend on the reader under test.
func ReadFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return nil, err
	}
	type source interface {
		ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	}
	var src source
	if binary.BigEndian.Uint32(magic[:]) == 0x0a0d0d0a {
		ng, err := pcapgo.NewNgReader(f, pcapgo.NgReaderOptions{WantMixedLinkType: true})
		if err != nil {
			return nil, err
		}
		src = ng
	} else {
		r, err := pcapgo.NewReader(f)
		if err != nil {
			return nil, err
		}
		src = r
	}

	var out [][]byte
	for {
		data, _, err := src.ReadPacketData()
		if err != nil {
			break
		}
		out = append(out, data)
	}
	return out, nil
}

// TCPPayload returns the TCP payload of an Ethernet frame, or nil.
func TCPPayload(frame []byte) []byte {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		return l.(*layers.TCP).Payload
	}
	return nil
}

// TCPChecksumValid reports whether the TCP checksum of an IPv4 Ethernet
// frame verifies.
func TCPChecksumValid(frame []byte) bool {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ipl := pkt.Layer(layers.LayerTypeIPv4)
	tcpl := pkt.Layer(layers.LayerTypeTCP)
	if ipl == nil || tcpl == nil {
		return false
	}
	ip := ipl.(*layers.IPv4)
	tcp := tcpl.(*layers.TCP)
	segment := append(append([]byte(nil), tcp.Contents...), tcp.Payload...)

	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	add(ip.SrcIP.To4())
	add(ip.DstIP.To4())
	sum += uint32(layers.IPProtocolTCP)
	sum += uint32(len(segment))
	add(segment)
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum) == 0xffff
}
