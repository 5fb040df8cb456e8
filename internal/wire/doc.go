// Package wire implements the ksync envelope: the framed, CRC-protected unit
// exchanged over every socket.
//
// # Layout
//
// A packed envelope is a six byte little-endian header followed by the
// payload:
//
//	offset  size  field
//	0       1     type tag
//	1       2     message id (random, nonzero)
//	3       2     reply id (0 when the envelope is not a reply)
//	5       1     CRC8 of the payload (0 for an empty payload)
//	6       n     payload
//
// # Lifecycle
//
// Envelopes are built either fresh with Pack, which assigns a message id and
// computes the checksum, or from bytes read off a socket with FromBytes, which
// parses the header but defers checksum verification until Unpack:
//
//	env, err := wire.Pack([]byte("hello"), 3, 0)
//	...
//	in, err := wire.FromBytes(raw)
//	payload, err := in.Unpack() // ErrCRCMismatch on corruption
//
// # Checksum
//
// CRC8 uses polynomial 0x9B, feeds input bits least significant first, pushes
// eight trailing zero bits through the register and bit-reverses the result.
// It must stay bit-exact for interoperability with other peers.
package wire
