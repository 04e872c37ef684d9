// Package checksum computes the Internet checksums that packet rewrites
// must keep valid.
package checksum

import "encoding/binary"

// Sum adds b to a running one's-complement accumulator.
func Sum(b []byte, acc uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if n%2 == 1 {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

// Fold folds the accumulator and returns its one's complement.
func Fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = acc&0xffff + acc>>16
	}
	return ^uint16(acc)
}

// IPv4Header returns the header checksum for hdr, ignoring whatever is
// currently stored in the checksum field.
func IPv4Header(hdr []byte) uint16 {
	acc := Sum(hdr[:10], 0)
	acc = Sum(hdr[12:], acc)
	return Fold(acc)
}

// Pseudo returns the pseudo-header accumulator for a transport segment.
// src and dst are 4 or 16 bytes long.
func Pseudo(src, dst []byte, proto uint8, length int) uint32 {
	acc := Sum(src, 0)
	acc = Sum(dst, acc)
	acc += uint32(proto)
	if len(src) == 16 {
		acc += uint32(length >> 16)
	}
	acc += uint32(length & 0xffff)
	return acc
}

// Transport returns the TCP or UDP checksum for segment. The checksum field
// at csumOffset inside segment is treated as zero.
func Transport(src, dst []byte, proto uint8, segment []byte, csumOffset int) uint16 {
	acc := Pseudo(src, dst, proto, len(segment))
	acc = Sum(segment[:csumOffset], acc)
	acc = Sum(segment[csumOffset+2:], acc)
	return Fold(acc)
}
