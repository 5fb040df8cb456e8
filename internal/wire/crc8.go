// ABOUTME: Bit-serial CRC8 (polynomial 0x9B) protecting envelope payloads.
// ABOUTME: Input is consumed LSB first, flushed with eight zero bits, then bit-reversed.

package wire

import "math/bits"

// CRCPolynomial is the generator used by CRC8.
const CRCPolynomial = 0x9B

// CRC8 computes the payload checksum carried in the envelope header.
// An empty input yields 0.
func CRC8(data []byte) uint8 {
	var out uint8
	for _, b := range data {
		for bit := 0; bit < 8; bit++ {
			carry := out & 0x80
			out = out<<1 | (b>>bit)&1
			if carry != 0 {
				out ^= CRCPolynomial
			}
		}
	}

	// push the last eight bits out of the register
	for i := 0; i < 8; i++ {
		carry := out & 0x80
		out <<= 1
		if carry != 0 {
			out ^= CRCPolynomial
		}
	}

	return bits.Reverse8(out)
}
