package pcap

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies an on-disk capture container.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapNG
)

// DefaultSnaplen is used for outputs whose input did not declare one.
const DefaultSnaplen = 262144

const (
	magicMicros        = 0xa1b2c3d4
	magicMicrosSwapped = 0xd4c3b2a1
	magicNanos         = 0xa1b23c4d
	magicNanosSwapped  = 0x4d3cb2a1
	magicNgSection     = 0x0a0d0d0a
)

func (f Format) String() string {
	switch f {
	case FormatPcap:
		return "pcap"
	case FormatPcapNG:
		return "pcapng"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Extension returns the conventional file extension, including the dot.
func (f Format) Extension() string {
	if f == FormatPcapNG {
		return ".pcapng"
	}
	return ".pcap"
}

// DetectFormat inspects the first four bytes of a capture file.
func DetectFormat(magic []byte) (Format, error) {
	if len(magic) < 4 {
		return 0, fmt.Errorf("capture too short to contain a magic number")
	}
	switch binary.BigEndian.Uint32(magic) {
	case magicMicros, magicMicrosSwapped, magicNanos, magicNanosSwapped:
		return FormatPcap, nil
	case magicNgSection:
		return FormatPcapNG, nil
	}
	return 0, fmt.Errorf("unknown capture magic 0x%08x", binary.BigEndian.Uint32(magic))
}

// ParseFormat maps a configuration value onto a Format. "auto" and the empty
// string report ok=false, meaning the input format should be kept.
func ParseFormat(s string) (f Format, ok bool, err error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return 0, false, nil
	case "pcap":
		return FormatPcap, true, nil
	case "pcapng":
		return FormatPcapNG, true, nil
	}
	return 0, false, fmt.Errorf("unknown capture format %q", s)
}

// FormatFromPath guesses a format from a file extension.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".pcapng") {
		return FormatPcapNG
	}
	return FormatPcap
}
