// ABOUTME: Socket capability shared by every ksync component, independent of the backend.
// ABOUTME: Operations return a Status instead of failing; timeouts are expected idle conditions.

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/ksync/internal/wire"
)

// Status is the outcome of a Send or Receive.
type Status int

const (
	// StatusSuccess means the envelope was sent or received.
	StatusSuccess Status = iota
	// StatusTimeout means nothing happened before the configured timeout.
	StatusTimeout
	// StatusEmptyMessage means a zero-length frame arrived.
	StatusEmptyMessage
	// StatusOther is any other transport failure. The socket logs the detail.
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusEmptyMessage:
		return "empty"
	case StatusOther:
		return "other"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Idle reports whether s is an expected no-op outcome of a poll.
func (s Status) Idle() bool {
	return s == StatusTimeout || s == StatusEmptyMessage
}

// Role is the messaging pattern a socket takes part in.
type Role int

const (
	RolePair Role = iota
	RoleReq
	RoleRep
	RolePub
	RoleSub
)

func (r Role) String() string {
	switch r {
	case RolePair:
		return "pair"
	case RoleReq:
		return "req"
	case RoleRep:
		return "rep"
	case RolePub:
		return "pub"
	case RoleSub:
		return "sub"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Block disables a timeout.
const Block time.Duration = -1

var (
	// ErrAddressInUse indicates a bind to an endpoint another socket owns.
	ErrAddressInUse = errors.New("address already in use")

	// ErrNotBound indicates a connect to an endpoint nobody has bound.
	ErrNotBound = errors.New("endpoint not bound")

	// ErrIncompatibleRole indicates a connect between roles that cannot talk.
	ErrIncompatibleRole = errors.New("incompatible socket roles")

	// ErrClosed indicates use of a closed socket.
	ErrClosed = errors.New("socket closed")
)

// Socket is a message-oriented endpoint carrying whole envelopes.
//
// Timeouts follow one convention: a negative duration blocks, zero polls and a
// positive duration bounds the wait.
type Socket interface {
	Bind(url string) error
	Connect(url string) error
	Send(env *wire.Envelope) Status
	Receive() (*wire.Envelope, Status)
	SetSendTimeout(d time.Duration)
	SetRecvTimeout(d time.Duration)
	// URL returns the address last bound or connected, or "".
	URL() string
	// Close releases the socket. A socket that bound a filesystem endpoint
	// removes it.
	Close() error
}

// Factory creates sockets for a backend.
type Factory interface {
	NewSocket(role Role) (Socket, error)
}

// parseFrame turns a received frame into an envelope, mapping malformed input
// to a status.
func parseFrame(frame []byte) (*wire.Envelope, Status, error) {
	if len(frame) == 0 {
		return nil, StatusEmptyMessage, nil
	}
	env, err := wire.FromBytes(frame)
	if err != nil {
		return nil, StatusOther, err
	}
	return env, StatusSuccess, nil
}
