package pcap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Reader reads packets one at a time from a pcap or pcapng file. pcapng
// files may mix interfaces with different link types; every packet is
// returned, and PacketLinkType tells how to decode it.
type Reader struct {
	file     *os.File
	format   Format
	pcap     *pcapgo.Reader
	ng       *pcapgo.NgReader
	linkType layers.LinkType
	snaplen  uint32
}

var ngOptions = pcapgo.NgReaderOptions{WantMixedLinkType: true}

// NewReader opens filePath, detects its format from the magic bytes and
// prepares the matching decoder.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(f, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read capture magic: %w", err)
	}
	format, err := DetectFormat(magic)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{file: f, format: format}
	switch format {
	case FormatPcap:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read pcap header: %w", err)
		}
		r.pcap = pr
		r.linkType = pr.LinkType()
		r.snaplen = pr.Snaplen()
	case FormatPcapNG:
		ng, err := pcapgo.NewNgReader(br, ngOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read pcapng section header: %w", err)
		}
		r.ng = ng
	}
	return r, nil
}

// Format returns the detected file format.
func (r *Reader) Format() Format {
	return r.format
}

// LinkType returns the link type of the capture. For pcapng it is the link
// type of the first interface, which is only known once a packet or the end
// of the file has been read; Ethernet is assumed before that.
func (r *Reader) LinkType() layers.LinkType {
	if r.ng == nil {
		return r.linkType
	}
	if intf, err := r.ng.Interface(0); err == nil {
		return intf.LinkType
	}
	return layers.LinkTypeEthernet
}

// PacketLinkType returns the link type of a packet returned by Next.
func (r *Reader) PacketLinkType(ci gopacket.CaptureInfo) layers.LinkType {
	if len(ci.AncillaryData) > 0 {
		if lt, ok := ci.AncillaryData[0].(layers.LinkType); ok {
			return lt
		}
	}
	return r.LinkType()
}

// Snaplen returns the snapshot length declared by the file header, or by
// the first pcapng interface.
func (r *Reader) Snaplen() uint32 {
	if r.ng == nil {
		return r.snaplen
	}
	if intf, err := r.ng.Interface(0); err == nil && intf.SnapLength != 0 {
		return intf.SnapLength
	}
	return DefaultSnaplen
}

// NInterfaces returns how many interfaces have been seen so far. A pcap
// file always has one.
func (r *Reader) NInterfaces() int {
	if r.ng == nil {
		return 1
	}
	return r.ng.NInterfaces()
}

// Interface describes interface i, the one packets with
// CaptureInfo.InterfaceIndex == i were captured on. For pcap files the only
// interface is built from the file header.
func (r *Reader) Interface(i int) (pcapgo.NgInterface, error) {
	if r.ng != nil {
		return r.ng.Interface(i)
	}
	if i != 0 {
		return pcapgo.NgInterface{}, fmt.Errorf("pcap files have no interface %d", i)
	}
	intf := pcapgo.NgInterface{
		Name:                "intf0",
		LinkType:            r.linkType,
		SnapLength:          r.snaplen,
		TimestampResolution: 6,
	}
	if r.pcap.Resolution() == gopacket.TimestampResolutionNanosecond {
		intf.TimestampResolution = 9
	}
	return intf, nil
}

// Nanosecond reports whether timestamps carry more than microsecond
// precision.
func (r *Reader) Nanosecond() bool {
	if r.ng == nil {
		return r.pcap.Resolution() == gopacket.TimestampResolutionNanosecond
	}
	for i := 0; i < r.ng.NInterfaces(); i++ {
		intf, err := r.ng.Interface(i)
		if err == nil && intf.Resolution().ToDuration() < time.Microsecond {
			return true
		}
	}
	return false
}

// Next returns the next packet. The returned slice is owned by the caller.
// io.EOF marks a clean end of file; a file cut inside a record yields
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (gopacket.CaptureInfo, []byte, error) {
	if r.ng != nil {
		data, ci, err := r.ng.ReadPacketData()
		return ci, data, err
	}
	data, ci, err := r.pcap.ReadPacketData()
	return ci, data, err
}

// ForEach calls fn for every packet in capture order until the file ends or
// fn returns an error.
func (r *Reader) ForEach(fn func(index int, ci gopacket.CaptureInfo, data []byte) error) error {
	for i := 0; ; i++ {
		ci, data, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("packet %d: %w", i+1, err)
		}
		if err := fn(i, ci, data); err != nil {
			return err
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() {
	r.file.Close()
}
