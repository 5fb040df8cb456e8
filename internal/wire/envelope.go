// ABOUTME: Envelope framing: header encode/decode, pack, unpack and message id generation.
// ABOUTME: Every socket in ksync carries exactly one packed envelope per message.

package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the number of bytes preceding the payload in a packed envelope.
const HeaderSize = 6

// Type is the numeric tag identifying the message variant carried by an envelope.
type Type uint8

// YieldType is reserved and never assigned to a concrete message variant.
const YieldType Type = 0xFF

// MessageID identifies an envelope. Zero is never generated and, as a reply
// id, means "not a reply".
type MessageID uint16

var (
	// ErrConstruction indicates malformed arguments when building an envelope.
	ErrConstruction = errors.New("envelope construction failed")

	// ErrPackFailure indicates the envelope could not be packed.
	ErrPackFailure = errors.New("envelope pack failed")

	// ErrCRCMismatch indicates the payload does not match the header checksum.
	ErrCRCMismatch = errors.New("crc mismatch")

	// ErrTypeMismatch indicates an envelope was decoded into the wrong variant.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Envelope is a framed message. Once packed, Bytes returns the wire image;
// once unpacked, Payload returns the verified payload.
type Envelope struct {
	typ       Type
	messageID MessageID
	replyID   MessageID
	crc       uint8
	raw       []byte
	payload   []byte
	packed    bool
}

// Pack frames payload with a fresh message id.
func Pack(payload []byte, typ Type, replyID MessageID) (*Envelope, error) {
	return PackWithID(payload, typ, NewMessageID(), replyID)
}

// PackWithID frames payload with a caller-chosen message id. It exists for
// retransmission and for reproducible fixtures; normal senders use Pack.
func PackWithID(payload []byte, typ Type, id, replyID MessageID) (*Envelope, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: message id must be nonzero", ErrConstruction)
	}
	if typ == YieldType {
		return nil, fmt.Errorf("%w: type %d is reserved", ErrPackFailure, typ)
	}

	e := &Envelope{
		typ:       typ,
		messageID: id,
		replyID:   replyID,
	}
	if len(payload) > 0 {
		e.crc = CRC8(payload)
	}

	e.raw = make([]byte, HeaderSize+len(payload))
	e.putHeader()
	copy(e.raw[HeaderSize:], payload)
	e.packed = true
	return e, nil
}

// FromBytes wraps a packed wire image. The header is parsed immediately; the
// checksum is only verified by Unpack.
func FromBytes(raw []byte) (*Envelope, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil data marked pre-packed", ErrConstruction)
	}
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrConstruction, len(raw), HeaderSize)
	}

	buf := make([]byte, len(raw))
	copy(buf, raw)

	return &Envelope{
		typ:       Type(buf[0]),
		messageID: MessageID(binary.LittleEndian.Uint16(buf[1:3])),
		replyID:   MessageID(binary.LittleEndian.Uint16(buf[3:5])),
		crc:       buf[5],
		raw:       buf,
		packed:    true,
	}, nil
}

// Unpack verifies the checksum and returns the payload. Calling it again on an
// unpacked envelope returns the same payload without further work.
func (e *Envelope) Unpack() ([]byte, error) {
	if !e.packed {
		return e.payload, nil
	}

	payload := e.raw[HeaderSize:]
	if len(payload) == 0 {
		if e.crc != 0 {
			return nil, fmt.Errorf("%w: empty payload with crc 0x%02x", ErrCRCMismatch, e.crc)
		}
	} else if got := CRC8(payload); got != e.crc {
		return nil, fmt.Errorf("%w: header 0x%02x, computed 0x%02x", ErrCRCMismatch, e.crc, got)
	}

	e.payload = payload
	e.packed = false
	return e.payload, nil
}

// Bytes returns the packed wire image. The envelope keeps its image after
// Unpack, so an envelope can be received, inspected and forwarded verbatim.
func (e *Envelope) Bytes() []byte {
	return e.raw
}

// Payload returns the verified payload, or nil before Unpack has succeeded.
func (e *Envelope) Payload() []byte {
	if e.packed {
		return nil
	}
	return e.payload
}

// Type returns the message type tag.
func (e *Envelope) Type() Type { return e.typ }

// MessageID returns the id assigned when the envelope was packed.
func (e *Envelope) MessageID() MessageID { return e.messageID }

// ReplyID returns the id of the envelope this one answers, or 0.
func (e *Envelope) ReplyID() MessageID { return e.replyID }

// CRC returns the checksum stored in the header.
func (e *Envelope) CRC() uint8 { return e.crc }

// Packed reports whether the payload is still unverified.
func (e *Envelope) Packed() bool { return e.packed }

// PayloadSize returns the number of payload bytes following the header.
func (e *Envelope) PayloadSize() int { return len(e.raw) - HeaderSize }

func (e *Envelope) putHeader() {
	e.raw[0] = byte(e.typ)
	binary.LittleEndian.PutUint16(e.raw[1:3], uint16(e.messageID))
	binary.LittleEndian.PutUint16(e.raw[3:5], uint16(e.replyID))
	e.raw[5] = e.crc
}

// NewMessageID returns a uniformly random nonzero id.
func NewMessageID() MessageID {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("reading random message id: %v", err))
		}
		if id := MessageID(binary.LittleEndian.Uint16(b[:])); id != 0 {
			return id
		}
	}
}
