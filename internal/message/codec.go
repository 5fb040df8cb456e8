// ABOUTME: Encode/Decode between catalog messages and wire envelopes.
// ABOUTME: Bounds-checked little-endian readers reject truncated or overlong payloads.

package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/2389/ksync/internal/wire"
)

var (
	// ErrDecode indicates a payload that does not match its variant's layout.
	ErrDecode = errors.New("malformed message payload")

	// ErrUnknownType indicates a tag with no concrete variant.
	ErrUnknownType = errors.New("unknown message type")
)

// Encode packs msg into a fresh envelope. replyID is 0 unless msg answers
// another envelope.
func Encode(msg Message, replyID wire.MessageID) (*wire.Envelope, error) {
	env, err := wire.Pack(msg.encode(), msg.Type(), replyID)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", TypeName(msg.Type()), err)
	}
	return env, nil
}

// Reply packs msg as the answer to req.
func Reply(msg Message, req *wire.Envelope) (*wire.Envelope, error) {
	return Encode(msg, req.MessageID())
}

// Decode verifies env and decodes it into the variant named by its tag.
func Decode(env *wire.Envelope) (Message, error) {
	payload, err := env.Unpack()
	if err != nil {
		return nil, err
	}

	switch env.Type() {
	case TypeSimple:
		return Simple{}, nil
	case TypeData:
		return Data{Bytes: append([]byte(nil), payload...)}, nil
	case TypeString:
		return String{Text: string(payload)}, nil
	case TypeGatewayInitRequest:
		return decodeInitRequest(payload)
	case TypeGatewayChangeID:
		return GatewayChangeID{}, nil
	case TypeClientSocketCreation:
		return decodeSocketCreation(payload)
	case TypeSocketConnectHerald:
		return SocketConnectHerald{}, nil
	case TypeSocketConnectAcknowledge:
		return SocketConnectAcknowledge{}, nil
	case TypeShutdownRequest:
		return ShutdownRequest{}, nil
	case TypeShutdownAck:
		return ShutdownAck{}, nil
	case TypeServerShuttingDown:
		return ServerShuttingDown{}, nil
	case TypeExecuteCommand:
		return ExecuteCommand{Command: string(payload)}, nil
	case TypeCommandOutput:
		return decodeCommandOutput(payload)
	default:
		return nil, fmt.Errorf("%w: %d (%s)", ErrUnknownType, env.Type(), TypeName(env.Type()))
	}
}

// As decodes env into T, failing with wire.ErrTypeMismatch when the tag does
// not belong to T. T must be a concrete catalog type.
func As[T Message](env *wire.Envelope) (T, error) {
	var zero T
	if any(zero) == nil {
		return zero, fmt.Errorf("%w: As requires a concrete message type", wire.ErrTypeMismatch)
	}
	if env.Type() != zero.Type() {
		return zero, fmt.Errorf("%w: got %s, want %s", wire.ErrTypeMismatch, TypeName(env.Type()), TypeName(zero.Type()))
	}

	msg, err := Decode(env)
	if err != nil {
		return zero, err
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: decoded %T", wire.ErrTypeMismatch, msg)
	}
	return typed, nil
}

// EncodeStrings lays out ss as [u64 count]([u64 len][bytes])*.
func EncodeStrings(ss []string) []byte {
	var w writer
	w.u64(uint64(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
	return w.buf
}

// DecodeStrings is the inverse of EncodeStrings. The whole buffer must be
// consumed.
func DecodeStrings(b []byte) ([]string, error) {
	r := reader{buf: b}
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	// every element costs at least its length prefix
	if n > uint64(r.remaining()/8) {
		return nil, fmt.Errorf("%w: %d strings cannot fit in %d bytes", ErrDecode, n, r.remaining())
	}

	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("string %d: %w", i, err)
		}
		out = append(out, s)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeInitRequest(payload []byte) (Message, error) {
	r := reader{buf: payload}
	id, err := r.u64()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return GatewayInitRequest{ClientID: id}, nil
}

func decodeSocketCreation(payload []byte) (Message, error) {
	urls, err := DecodeStrings(payload)
	if err != nil {
		return nil, err
	}
	if len(urls) != 2 {
		return nil, fmt.Errorf("%w: socket creation carries %d urls, want 2", ErrDecode, len(urls))
	}
	return ClientSocketCreation{ClientURL: urls[0], BroadcastURL: urls[1]}, nil
}

func decodeCommandOutput(payload []byte) (Message, error) {
	r := reader{buf: payload}
	stdout, err := r.str()
	if err != nil {
		return nil, fmt.Errorf("stdout: %w", err)
	}
	stderr, err := r.str()
	if err != nil {
		return nil, fmt.Errorf("stderr: %w", err)
	}
	rc, err := r.i32()
	if err != nil {
		return nil, fmt.Errorf("return code: %w", err)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return CommandOutput{Stdout: stdout, Stderr: stderr, ReturnCode: rc}, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i32(v int32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }

func (w *writer) str(s string) {
	w.u64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) need(n uint64) error {
	if n > uint64(r.remaining()) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrDecode, n, r.off, r.remaining())
	}
	return nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) i32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.remaining())
	}
	return nil
}
