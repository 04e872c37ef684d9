package anonymize

import (
	"crypto/aes"
	"crypto/cipher"
	"net/netip"

	"github.com/pkg/errors"
)

// KeySize is the Crypto-PAn key length: an AES-128 key followed by the
// secret that seeds the padding block.
const KeySize = 32

// cryptoPAn is the prefix-preserving address mapping of Xu et al.: bit i
// of the output is bit i of the input flipped by one bit of AES over the
// first i input bits, padded with a secret block. Two addresses that share
// a k-bit prefix therefore map to addresses sharing a k-bit prefix.
type cryptoPAn struct {
	block cipher.Block
	pad   [aes.BlockSize]byte
	cache map[netip.Addr]netip.Addr
}

func newCryptoPAn(key []byte) (*cryptoPAn, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, errors.Wrap(err, "aes key")
	}
	c := &cryptoPAn{block: block, cache: make(map[netip.Addr]netip.Addr)}
	block.Encrypt(c.pad[:], key[16:])
	return c, nil
}

// Map returns the anonymized form of addr. Results are cached, so a long
// run maps each address once.
func (c *cryptoPAn) Map(addr netip.Addr) netip.Addr {
	if out, ok := c.cache[addr]; ok {
		return out
	}
	var out netip.Addr
	if addr.Is4() {
		a := addr.As4()
		out = netip.AddrFrom4([4]byte(c.anonymize(a[:])))
	} else {
		a := addr.As16()
		out = netip.AddrFrom16([16]byte(c.anonymize(a[:])))
	}
	c.cache[addr] = out
	return out
}

// Len returns how many distinct addresses were mapped.
func (c *cryptoPAn) Len() int { return len(c.cache) }

func (c *cryptoPAn) anonymize(addr []byte) []byte {
	out := make([]byte, len(addr))
	var in, enc [aes.BlockSize]byte
	bits := len(addr) * 8
	for i := 0; i < bits; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		in = c.pad
		copy(in[:byteIdx], addr[:byteIdx])
		if bitIdx != 0 {
			keep := byte(0xFF) << (8 - bitIdx)
			in[byteIdx] = addr[byteIdx]&keep | c.pad[byteIdx]&^keep
		}
		c.block.Encrypt(enc[:], in[:])

		orig := addr[byteIdx] >> (7 - bitIdx) & 1
		out[byteIdx] |= (enc[0]>>7 ^ orig) << (7 - bitIdx)
	}
	return out
}
