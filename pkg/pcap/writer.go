package pcap

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// ErrLinkTypeMismatch is returned when a classic pcap output would have to
// hold packets of more than one link type.
var ErrLinkTypeMismatch = errors.New("pcap output holds a single link type")

// Writer writes packets to a pcap or pcapng file, mirroring the interfaces
// of the capture it was created from. Headers are written with the first
// packet, once the source has described the interface that packet came from.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	src    *Reader
	format Format

	pcap     *pcapgo.Writer
	linkType layers.LinkType
	ng       *pcapgo.NgWriter
	nIfaces  int
}

// NewWriterLike creates filePath for packets read from r. The container
// follows r unless override is set, in which case format is used.
func NewWriterLike(filePath string, r *Reader, format Format, override bool) (*Writer, error) {
	if !override {
		format = r.Format()
	}
	f, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file:   f,
		buf:    bufio.NewWriterSize(f, 1<<16),
		src:    r,
		format: format,
	}, nil
}

// WritePacket appends one packet read from the source capture.
func (w *Writer) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if w.format == FormatPcapNG {
		return w.writeNg(ci, data)
	}

	lt := w.src.PacketLinkType(ci)
	if w.pcap == nil {
		if err := w.startPcap(lt, w.snaplen(ci.InterfaceIndex)); err != nil {
			return err
		}
	} else if lt != w.linkType {
		return errors.Wrapf(ErrLinkTypeMismatch, "packet link type %s after %s", lt, w.linkType)
	}
	return w.pcap.WritePacket(ci, data)
}

func (w *Writer) writeNg(ci gopacket.CaptureInfo, data []byte) error {
	for w.ng == nil || w.nIfaces <= ci.InterfaceIndex {
		intf, err := w.src.Interface(w.nIfaces)
		if err != nil {
			return fmt.Errorf("interface %d: %w", w.nIfaces, err)
		}
		if err := w.addInterface(intf); err != nil {
			return err
		}
	}
	return w.ng.WritePacket(ci, data)
}

func (w *Writer) addInterface(intf pcapgo.NgInterface) error {
	// The reader already applied the offset to packet timestamps.
	intf.TimestampOffset = 0
	intf.Statistics = pcapgo.NgInterfaceStatistics{}
	if w.ng == nil {
		ng, err := pcapgo.NewNgWriterInterface(w.buf, intf, pcapgo.DefaultNgWriterOptions)
		if err != nil {
			return fmt.Errorf("failed to write pcapng header: %w", err)
		}
		w.ng = ng
	} else if _, err := w.ng.AddInterface(intf); err != nil {
		return fmt.Errorf("failed to write pcapng interface: %w", err)
	}
	w.nIfaces++
	return nil
}

func (w *Writer) startPcap(lt layers.LinkType, snaplen uint32) error {
	if w.src.Nanosecond() {
		w.pcap = pcapgo.NewWriterNanos(w.buf)
	} else {
		w.pcap = pcapgo.NewWriter(w.buf)
	}
	w.linkType = lt
	if err := w.pcap.WriteFileHeader(snaplen, lt); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}
	return nil
}

func (w *Writer) snaplen(iface int) uint32 {
	if intf, err := w.src.Interface(iface); err == nil && intf.SnapLength != 0 {
		return intf.SnapLength
	}
	return DefaultSnaplen
}

// writeHeaders covers captures without packets, which still get a valid
// file header.
func (w *Writer) writeHeaders() error {
	switch {
	case w.format == FormatPcapNG && w.ng == nil:
		intf, err := w.src.Interface(0)
		if err != nil {
			intf = pcapgo.NgInterface{LinkType: w.src.LinkType(), SnapLength: w.src.Snaplen()}
		}
		return w.addInterface(intf)
	case w.format != FormatPcapNG && w.pcap == nil:
		return w.startPcap(w.src.LinkType(), w.src.Snaplen())
	}
	return nil
}

// Close flushes buffered packets and closes the file.
func (w *Writer) Close() error {
	if err := w.writeHeaders(); err != nil {
		w.file.Close()
		return err
	}
	if w.ng != nil {
		if err := w.ng.Flush(); err != nil {
			w.file.Close()
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
