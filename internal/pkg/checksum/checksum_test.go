package checksum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPv4Header_KnownVector(t *testing.T) {
	// Classic example header with checksum 0xb861.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), IPv4Header(hdr))

	// The stored checksum does not influence the result.
	binary.BigEndian.PutUint16(hdr[10:], 0xffff)
	assert.Equal(t, uint16(0xb861), IPv4Header(hdr))
}

func TestTransport_VerifiesToAllOnes(t *testing.T) {
	src := []byte{10, 0, 0, 1}
	dst := []byte{10, 0, 0, 2}
	segment := []byte{
		0x9c, 0x40, 0x01, 0xbb, 0, 0, 0, 1, 0, 0, 0, 0, 0x50, 0x18, 0xfa, 0xf0,
		0, 0, 0, 0, 'h', 'e', 'l', 'l', 'o',
	}
	csum := Transport(src, dst, 6, segment, 16)
	binary.BigEndian.PutUint16(segment[16:], csum)

	acc := Pseudo(src, dst, 6, len(segment))
	acc = Sum(segment, acc)
	assert.Equal(t, uint16(0), Fold(acc))
}
