// ABOUTME: Rendezvous gateway: accepts new clients on the shared request/reply endpoint.
// ABOUTME: Relays init requests to the master over the internal pair channel and answers with its reply.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

// ErrHandshake indicates the herald/acknowledge exchange with the master failed.
var ErrHandshake = errors.New("gateway handshake failed")

// State is a phase of the gateway's lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHeralding
	StateAwaitingAck
	StateBound
	StateServing
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHeralding:
		return "heralding"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateBound:
		return "bound"
	case StateServing:
		return "serving"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the gateway's endpoints and timeouts.
type Config struct {
	// GatewayURL is the shared endpoint clients connect to.
	GatewayURL string
	// RelayURL is the master's internal pair endpoint.
	RelayURL string
	// ControlTimeout bounds each receive during the handshake and each send.
	ControlTimeout time.Duration
	// PollTimeout bounds each receive on the gateway socket while serving.
	PollTimeout time.Duration
	// RelayTimeout bounds the wait for the master's answer to a forwarded request.
	RelayTimeout time.Duration
	// HandshakeAttempts is how many ControlTimeout receives to spend waiting for the ack.
	HandshakeAttempts int
}

func (c *Config) applyDefaults() {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = 5 * time.Second
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = 5
	}
}

// Gateway runs the rendezvous protocol. Create with New and call Run once.
type Gateway struct {
	cfg     Config
	factory transport.Factory
	logger  *slog.Logger

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once
	handoffs  atomic.Uint64
}

// New creates a gateway. It does not touch any socket until Run.
func New(cfg Config, factory transport.Factory, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "gateway"),
		ready:   make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Ready is closed once the gateway starts serving clients.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Handoffs counts init requests the master answered.
func (g *Gateway) Handoffs() uint64 {
	return g.handoffs.Load()
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
	g.logger.Debug("gateway state", "state", s.String())
}

// Run performs the handshake with the master, binds the gateway endpoint and
// serves until the master announces shutdown or ctx ends. Handshake and bind
// failures are returned; steady-state socket errors are only logged.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.setState(StateShuttingDown)

	g.setState(StateConnecting)
	relay, err := g.factory.NewSocket(transport.RolePair)
	if err != nil {
		return fmt.Errorf("creating relay socket: %w", err)
	}
	defer closeSocket(g.logger, "relay", relay)

	if err := relay.Connect(g.cfg.RelayURL); err != nil {
		return fmt.Errorf("connecting relay: %w", err)
	}
	relay.SetRecvTimeout(g.cfg.ControlTimeout)
	relay.SetSendTimeout(g.cfg.ControlTimeout)

	if err := g.handshake(ctx, relay); err != nil {
		return err
	}

	g.setState(StateBound)
	front, err := g.factory.NewSocket(transport.RoleRep)
	if err != nil {
		return fmt.Errorf("creating gateway socket: %w", err)
	}
	defer closeSocket(g.logger, "gateway", front)

	if err := front.Bind(g.cfg.GatewayURL); err != nil {
		return fmt.Errorf("binding gateway socket: %w", err)
	}
	front.SetRecvTimeout(g.cfg.PollTimeout)
	front.SetSendTimeout(g.cfg.ControlTimeout)

	g.setState(StateServing)
	g.readyOnce.Do(func() { close(g.ready) })
	g.logger.Info("gateway serving", "url", g.cfg.GatewayURL)

	g.serve(ctx, front, relay)

	g.logger.Info("gateway stopped", "handoffs", g.handoffs.Load())
	return nil
}

func (g *Gateway) handshake(ctx context.Context, relay transport.Socket) error {
	g.setState(StateHeralding)
	herald, err := message.Encode(message.SocketConnectHerald{}, 0)
	if err != nil {
		return err
	}
	if status := relay.Send(herald); status != transport.StatusSuccess {
		return fmt.Errorf("%w: sending herald: %s", ErrHandshake, status)
	}

	g.setState(StateAwaitingAck)
	for attempt := 1; attempt <= g.cfg.HandshakeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}

		env, status := relay.Receive()
		switch status {
		case transport.StatusSuccess:
			if env.Type() != message.TypeSocketConnectAcknowledge {
				return fmt.Errorf("%w: expected acknowledge, got %s", ErrHandshake, message.TypeName(env.Type()))
			}
			g.logger.Debug("relay acknowledged", "attempt", attempt)
			return nil
		case transport.StatusOther:
			return fmt.Errorf("%w: receiving acknowledge failed", ErrHandshake)
		default:
			g.logger.Debug("waiting for acknowledge", "attempt", attempt, "status", status.String())
		}
	}
	return fmt.Errorf("%w: no acknowledge after %d attempts", ErrHandshake, g.cfg.HandshakeAttempts)
}

func (g *Gateway) serve(ctx context.Context, front, relay transport.Socket) {
	for ctx.Err() == nil {
		env, status := front.Receive()
		switch status {
		case transport.StatusSuccess:
			if g.handleRequest(front, relay, env) {
				return
			}
		case transport.StatusOther:
			g.logger.Warn("gateway receive failed")
		}

		relay.SetRecvTimeout(0)
		env, status = relay.Receive()
		switch status {
		case transport.StatusSuccess:
			if env.Type() == message.TypeServerShuttingDown {
				g.logger.Info("master is shutting down")
				return
			}
			g.logger.Warn("unexpected relay message", "type", message.TypeName(env.Type()))
		case transport.StatusOther:
			g.logger.Warn("relay receive failed")
		}
	}
}

// handleRequest answers one request on the gateway socket. Every request gets
// exactly one reply so the requester's socket never stalls. It reports whether
// the master announced shutdown while the request was in flight.
func (g *Gateway) handleRequest(front, relay transport.Socket, req *wire.Envelope) bool {
	switch req.Type() {
	case message.TypeGatewayInitRequest:
		return g.relayInit(front, relay, req)

	case message.TypeString:
		s, err := message.As[message.String](req)
		if err != nil {
			g.logger.Warn("malformed echo request", "error", err)
			g.retry(front, req)
			return false
		}
		reply, err := message.Reply(s, req)
		if err != nil {
			g.logger.Warn("encoding echo reply", "error", err)
			g.retry(front, req)
			return false
		}
		g.sendOrLog(front, reply)
		return false

	default:
		g.logger.Warn("unsupported message type", "type", message.TypeName(req.Type()), "message_id", req.MessageID())
		g.retry(front, req)
		return false
	}
}

// relayInit forwards an init request and waits up to RelayTimeout for the
// master's answer to that request. Answers to earlier requests that arrive
// late are discarded.
func (g *Gateway) relayInit(front, relay transport.Socket, req *wire.Envelope) bool {
	if status := relay.Send(req); status != transport.StatusSuccess {
		g.logger.Warn("forwarding init request failed", "status", status.String())
		g.retry(front, req)
		return false
	}

	deadline := time.Now().Add(g.cfg.RelayTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			g.logger.Warn("master did not answer init request", "message_id", req.MessageID())
			g.retry(front, req)
			return false
		}

		relay.SetRecvTimeout(remaining)
		reply, status := relay.Receive()
		switch status {
		case transport.StatusSuccess:
		case transport.StatusOther:
			g.logger.Warn("receiving master reply failed")
			g.retry(front, req)
			return false
		default:
			continue
		}

		if reply.Type() == message.TypeServerShuttingDown {
			notice, err := message.Reply(message.ServerShuttingDown{}, req)
			if err == nil {
				g.sendOrLog(front, notice)
			}
			return true
		}

		if reply.ReplyID() != req.MessageID() {
			g.logger.Warn("discarding stale master reply",
				"type", message.TypeName(reply.Type()),
				"reply_id", reply.ReplyID(),
				"message_id", req.MessageID())
			continue
		}

		g.handoffs.Add(1)
		g.sendOrLog(front, reply)
		return false
	}
}

// retry answers req with GatewayChangeID, which makes the client start over
// with a fresh id.
func (g *Gateway) retry(front transport.Socket, req *wire.Envelope) {
	reply, err := message.Reply(message.GatewayChangeID{}, req)
	if err != nil {
		g.logger.Warn("encoding retry reply", "error", err)
		return
	}
	g.sendOrLog(front, reply)
}

func (g *Gateway) sendOrLog(sock transport.Socket, env *wire.Envelope) {
	if status := sock.Send(env); status != transport.StatusSuccess {
		g.logger.Warn("gateway reply failed", "type", message.TypeName(env.Type()), "status", status.String())
	}
}

func closeSocket(logger *slog.Logger, label string, s transport.Socket) {
	if err := s.Close(); err != nil {
		logger.Warn("closing socket", "socket", label, "error", err)
	}
}
