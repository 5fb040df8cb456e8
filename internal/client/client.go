// ABOUTME: Client rendezvous with the gateway and the resulting Session.
// ABOUTME: Negotiates a unique client id, then connects the private pair and broadcast sockets.

package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/transport"
)

var (
	// ErrGatewayUnavailable means the gateway did not take or answer the init request.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrTooManyCollisions means every proposed client id was already taken.
	ErrTooManyCollisions = errors.New("too many client id collisions")

	// ErrServerShuttingDown means the server refused the session because it is stopping.
	ErrServerShuttingDown = errors.New("server is shutting down")

	// ErrUnexpectedReply means the server answered with the wrong message type.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrNoReply means a request went unanswered after every retransmission.
	ErrNoReply = errors.New("no reply from server")
)

const (
	defaultGatewayTimeout = 20 * time.Second
	defaultMaxAttempts    = 8
	defaultRequestTimeout = 5 * time.Second
	defaultRetries        = 2
	defaultPollInterval   = 10 * time.Millisecond
	noticePollInterval    = 50 * time.Millisecond
)

// Options configures Dial. Zero values pick defaults.
type Options struct {
	// GatewayTimeout bounds each exchange with the gateway.
	GatewayTimeout time.Duration
	// MaxAttempts bounds how many client ids are proposed.
	MaxAttempts int
	// RequestTimeout is how long a request waits before it is retransmitted.
	RequestTimeout time.Duration
	// Retries is how many times a request is retransmitted. Negative disables.
	Retries int
	// PollInterval bounds idle receives on the session sockets.
	PollInterval time.Duration
	Logger       *slog.Logger

	// NewClientID proposes client ids. Defaults to crypto/rand.
	NewClientID func() uint64
}

func (o Options) withDefaults() Options {
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = defaultGatewayTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.Retries == 0 {
		o.Retries = defaultRetries
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewClientID == nil {
		o.NewClientID = randomClientID
	}
	return o
}

func randomClientID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Dial registers with the gateway at gatewayURL and opens a session on the
// sockets the master creates for this client.
func Dial(ctx context.Context, factory transport.Factory, gatewayURL string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "client")

	req, err := factory.NewSocket(transport.RoleReq)
	if err != nil {
		return nil, fmt.Errorf("creating gateway socket: %w", err)
	}
	defer req.Close()

	if err := req.Connect(gatewayURL); err != nil {
		return nil, fmt.Errorf("connecting to gateway %s: %w", gatewayURL, err)
	}
	req.SetSendTimeout(opts.GatewayTimeout)
	req.SetRecvTimeout(opts.GatewayTimeout)

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := opts.NewClientID()
		created, err := negotiate(req, id)
		if err != nil {
			return nil, err
		}
		if created == nil {
			logger.Info("client id taken, retrying", "client_id", id, "attempt", attempt)
			continue
		}

		logger.Info("client id accepted",
			"client_id", id,
			"client_url", created.ClientURL,
			"broadcast_url", created.BroadcastURL,
		)
		return connect(factory, id, *created, opts)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrTooManyCollisions, opts.MaxAttempts)
}

// negotiate proposes id and returns the socket addresses, or nil when the
// id collided.
func negotiate(req transport.Socket, id uint64) (*message.ClientSocketCreation, error) {
	env, err := message.Encode(message.GatewayInitRequest{ClientID: id}, 0)
	if err != nil {
		return nil, err
	}
	if status := req.Send(env); status != transport.StatusSuccess {
		return nil, fmt.Errorf("%w: send %s", ErrGatewayUnavailable, status)
	}

	reply, status := req.Receive()
	if status != transport.StatusSuccess {
		return nil, fmt.Errorf("%w: receive %s", ErrGatewayUnavailable, status)
	}

	msg, err := message.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("decoding gateway reply: %w", err)
	}
	switch msg := msg.(type) {
	case message.ClientSocketCreation:
		return &msg, nil
	case message.GatewayChangeID:
		return nil, nil
	case message.ServerShuttingDown:
		return nil, ErrServerShuttingDown
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, message.TypeName(reply.Type()))
	}
}

func connect(factory transport.Factory, id uint64, created message.ClientSocketCreation, opts Options) (*Session, error) {
	pair, err := factory.NewSocket(transport.RolePair)
	if err != nil {
		return nil, fmt.Errorf("creating client socket: %w", err)
	}
	if err := pair.Connect(created.ClientURL); err != nil {
		pair.Close()
		return nil, fmt.Errorf("connecting to %s: %w", created.ClientURL, err)
	}

	sub, err := factory.NewSocket(transport.RoleSub)
	if err != nil {
		pair.Close()
		return nil, fmt.Errorf("creating broadcast socket: %w", err)
	}
	if err := sub.Connect(created.BroadcastURL); err != nil {
		pair.Close()
		sub.Close()
		return nil, fmt.Errorf("connecting to %s: %w", created.BroadcastURL, err)
	}

	s := newSession(id, pair, sub, opts)
	s.urls = created
	return s, nil
}
