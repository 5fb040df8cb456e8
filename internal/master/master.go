// ABOUTME: Master coordinator: owns the relay, the broadcast channel and every client socket.
// ABOUTME: Admits clients handed over by the gateway and serves their requests in one loop.

package master

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/ksync/internal/dedupe"
	"github.com/2389/ksync/internal/execution"
	"github.com/2389/ksync/internal/gateway"
	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/registry"
	"github.com/2389/ksync/internal/store"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

// Config holds the master's endpoints and policies.
type Config struct {
	Endpoints transport.Endpoints

	// ControlTimeout bounds herald receives and every send.
	ControlTimeout time.Duration
	// PollTimeout bounds the relay receive that paces each loop iteration.
	PollTimeout time.Duration
	// GatewayPollTimeout and RelayTimeout are handed to the gateway.
	GatewayPollTimeout time.Duration
	RelayTimeout       time.Duration
	// HandshakeAttempts bounds the herald wait (and the gateway's ack wait).
	HandshakeAttempts int
	// ShutdownTimeout bounds how long to wait for the gateway to stop.
	ShutdownTimeout time.Duration

	// EvictOnError removes a client whose socket fails. Off by default:
	// registrations otherwise last until the server stops.
	EvictOnError bool

	// ReplayTTL and ReplaySize configure the executed-command replay cache.
	// A zero TTL disables it.
	ReplayTTL  time.Duration
	ReplaySize int
}

func (c *Config) applyDefaults() {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Millisecond
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = 5
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ReplaySize <= 0 {
		c.ReplaySize = 1024
	}
}

// Options are the master's collaborators.
type Options struct {
	Factory  transport.Factory
	Executor execution.Executor
	// Store receives ledger events. Optional.
	Store  store.Store
	Logger *slog.Logger
}

// Stats are running counters for the status surface.
type Stats struct {
	Clients  int    `json:"clients"`
	Handoffs uint64 `json:"handoffs"`
	Rejected uint64 `json:"rejected"`
	Echoes   uint64 `json:"echoes"`
	Commands uint64 `json:"commands"`
	Replays  uint64 `json:"replays"`
	Evicted  uint64 `json:"evicted"`
}

type replayKey struct {
	clientID  uint64
	messageID wire.MessageID
}

// Master is the server's single coordinating loop. Create with New, then
// Start and Serve (or Run).
type Master struct {
	cfg      Config
	factory  transport.Factory
	executor execution.Executor
	ledger   store.Store
	logger   *slog.Logger

	registry *registry.Registry
	replies  *dedupe.Cache[replayKey, message.CommandOutput]

	relay transport.Socket
	pub   transport.Socket

	gw       *gateway.Gateway
	gwCancel context.CancelFunc
	gwDone   chan struct{} // closed when the gateway returns
	gwErr    error         // valid once gwDone is closed

	finished  atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	rejected atomic.Uint64
	echoes   atomic.Uint64
	commands atomic.Uint64
	replays  atomic.Uint64
	evicted  atomic.Uint64
}

// New creates a master. No socket is opened until Start.
func New(cfg Config, opts Options) *Master {
	cfg.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "master")

	m := &Master{
		cfg:      cfg,
		factory:  opts.Factory,
		executor: opts.Executor,
		ledger:   opts.Store,
		logger:   logger,
		registry: registry.New(logger),
		ready:    make(chan struct{}),
	}
	if cfg.ReplayTTL > 0 {
		m.replies = dedupe.New[replayKey, message.CommandOutput](cfg.ReplayTTL, cfg.ReplaySize)
	}
	m.gw = gateway.New(gateway.Config{
		GatewayURL:        cfg.Endpoints.Gateway,
		RelayURL:          cfg.Endpoints.Relay,
		ControlTimeout:    cfg.ControlTimeout,
		PollTimeout:       cfg.GatewayPollTimeout,
		RelayTimeout:      cfg.RelayTimeout,
		HandshakeAttempts: cfg.HandshakeAttempts,
	}, opts.Factory, logger)
	return m
}

// Ready is closed once the gateway is serving and clients can connect.
func (m *Master) Ready() <-chan struct{} {
	return m.ready
}

// GatewayState reports the gateway's lifecycle state.
func (m *Master) GatewayState() gateway.State {
	return m.gw.State()
}

// Clients returns the registered clients ordered by id.
func (m *Master) Clients() []registry.Info {
	return m.registry.List()
}

// Stats returns a snapshot of the counters.
func (m *Master) Stats() Stats {
	return Stats{
		Clients:  m.registry.Len(),
		Handoffs: m.gw.Handoffs(),
		Rejected: m.rejected.Load(),
		Echoes:   m.echoes.Load(),
		Commands: m.commands.Load(),
		Replays:  m.replays.Load(),
		Evicted:  m.evicted.Load(),
	}
}

// RequestShutdown makes Serve return after its current iteration.
func (m *Master) RequestShutdown() {
	m.finished.Store(true)
}

// Run starts the master and serves until shutdown.
func (m *Master) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	return m.Serve(ctx)
}

// Start binds the relay and broadcast sockets, launches the gateway and
// completes the herald/acknowledge handshake. It returns once the gateway is
// serving. Failures are *StartupError and leave nothing open.
func (m *Master) Start(ctx context.Context) error {
	relay, err := m.factory.NewSocket(transport.RolePair)
	if err != nil {
		m.abort()
		return fatal(ExitRelayCreate, "creating relay socket: %w", err)
	}
	if err := relay.Bind(m.cfg.Endpoints.Relay); err != nil {
		_ = relay.Close()
		m.abort()
		return fatal(ExitRelayBind, "binding relay socket: %w", err)
	}
	relay.SetRecvTimeout(m.cfg.ControlTimeout)
	relay.SetSendTimeout(m.cfg.ControlTimeout)
	m.relay = relay

	pub, err := m.factory.NewSocket(transport.RolePub)
	if err != nil {
		m.abort()
		return fatal(ExitBroadcastCreate, "creating broadcast socket: %w", err)
	}
	m.pub = pub
	if err := pub.Bind(m.cfg.Endpoints.Broadcast); err != nil {
		m.abort()
		return fatal(ExitBroadcastBind, "binding broadcast socket: %w", err)
	}
	pub.SetSendTimeout(m.cfg.ControlTimeout)

	gwCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.gwCancel = cancel
	m.gwDone = make(chan struct{})
	go func() {
		m.gwErr = m.gw.Run(gwCtx)
		close(m.gwDone)
	}()

	if err := m.acceptHerald(); err != nil {
		m.abort()
		return err
	}

	select {
	case <-m.gw.Ready():
	case <-m.gwDone:
		m.abort()
		return fatal(ExitGateway, "gateway failed to start: %w", m.gatewayErr())
	case <-ctx.Done():
		m.abort()
		return fatal(ExitGateway, "startup interrupted: %w", ctx.Err())
	}

	m.relay.SetRecvTimeout(m.cfg.PollTimeout)
	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Info("master started",
		"gateway", m.cfg.Endpoints.Gateway,
		"broadcast", m.cfg.Endpoints.Broadcast,
		"evict_on_error", m.cfg.EvictOnError,
		"replay", m.replies != nil,
	)
	return nil
}

func (m *Master) acceptHerald() error {
	for attempt := 1; attempt <= m.cfg.HandshakeAttempts; attempt++ {
		env, status := m.relay.Receive()
		switch status {
		case transport.StatusSuccess:
			if env.Type() != message.TypeSocketConnectHerald {
				return fatal(ExitHeraldType, "expected herald from gateway, got %s", message.TypeName(env.Type()))
			}
			ack, err := message.Reply(message.SocketConnectAcknowledge{}, env)
			if err != nil {
				return fatal(ExitAckSend, "encoding acknowledge: %w", err)
			}
			if status := m.relay.Send(ack); status != transport.StatusSuccess {
				return fatal(ExitAckSend, "sending acknowledge: %s", status)
			}
			return nil
		case transport.StatusOther:
			return fatal(ExitHeraldMissing, "receiving herald failed")
		}

		select {
		case <-m.gwDone:
			return fatal(ExitGateway, "gateway exited before heralding: %w", m.gatewayErr())
		default:
		}
		m.logger.Debug("waiting for gateway herald", "attempt", attempt)
	}
	return fatal(ExitHeraldMissing, "no herald from gateway after %d attempts", m.cfg.HandshakeAttempts)
}

// Serve runs the main loop until a client requests shutdown, ctx ends or
// RequestShutdown is called, then performs the shutdown sequence.
func (m *Master) Serve(ctx context.Context) error {
	var loopErr error
	for !m.finished.Load() && ctx.Err() == nil {
		select {
		case <-m.gwDone:
			loopErr = fatal(ExitGateway, "gateway stopped while serving: %w", m.gatewayErr())
		default:
		}
		if loopErr != nil {
			break
		}

		m.pollRelay(ctx)
		m.pollClients(ctx)
	}

	if ctx.Err() != nil {
		m.logger.Info("shutdown signal received")
	}
	m.shutdown(ctx)
	return loopErr
}

func (m *Master) pollRelay(ctx context.Context) {
	env, status := m.relay.Receive()
	switch status {
	case transport.StatusSuccess:
	case transport.StatusOther:
		m.logger.Warn("relay receive failed")
		return
	default:
		return
	}

	if env.Type() != message.TypeGatewayInitRequest {
		m.logger.Warn("unsupported message type on relay", "type", message.TypeName(env.Type()))
		return
	}

	reply := m.admit(ctx, env)
	if reply == nil {
		return
	}
	if status := m.relay.Send(reply); status != transport.StatusSuccess {
		m.logger.Warn("relay reply failed", "status", status.String())
	}
}

// admit handles one init request and returns the reply for the gateway.
func (m *Master) admit(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	req, err := message.As[message.GatewayInitRequest](env)
	if err != nil {
		// the requester is still waiting; have it retry rather than time out
		m.logger.Warn("malformed init request", "error", err)
		return m.encodeReply(message.GatewayChangeID{}, env)
	}

	id := req.ClientID
	if m.registry.Contains(id) {
		m.rejected.Add(1)
		m.logger.Info("client id collision", "client_id", id)
		m.record(ctx, store.EventClientRejected, id, env.MessageID(), nil)
		return m.encodeReply(message.GatewayChangeID{}, env)
	}

	url := m.cfg.Endpoints.Client(id)
	sock, err := m.openClientSocket(url)
	if err != nil {
		m.logger.Error("allocating client socket", "client_id", id, "url", url, "error", err)
		return m.encodeReply(message.GatewayChangeID{}, env)
	}

	if err := m.registry.Register(&registry.Client{ID: id, URL: url, Socket: sock}); err != nil {
		_ = sock.Close()
		m.logger.Error("registering client", "client_id", id, "error", err)
		return m.encodeReply(message.GatewayChangeID{}, env)
	}
	m.record(ctx, store.EventClientRegistered, id, env.MessageID(), map[string]any{"url": url})

	return m.encodeReply(message.ClientSocketCreation{
		ClientURL:    url,
		BroadcastURL: m.cfg.Endpoints.Broadcast,
	}, env)
}

func (m *Master) openClientSocket(url string) (transport.Socket, error) {
	sock, err := m.factory.NewSocket(transport.RolePair)
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(url); err != nil {
		_ = sock.Close()
		return nil, err
	}
	sock.SetRecvTimeout(0)
	sock.SetSendTimeout(m.cfg.ControlTimeout)
	return sock, nil
}

func (m *Master) encodeReply(msg message.Message, req *wire.Envelope) *wire.Envelope {
	reply, err := message.Reply(msg, req)
	if err != nil {
		m.logger.Error("encoding reply", "type", message.TypeName(msg.Type()), "error", err)
		return nil
	}
	return reply
}

func (m *Master) record(ctx context.Context, kind store.EventKind, clientID uint64, msgID wire.MessageID, detail map[string]any) {
	if m.ledger == nil {
		return
	}
	e := &store.Event{Kind: kind, ClientID: clientID, MessageID: uint16(msgID), Detail: detail}
	if err := m.ledger.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		m.logger.Warn("ledger append failed", "kind", kind, "error", err)
	}
}

// shutdown announces the shutdown, stops the gateway and releases every socket.
func (m *Master) shutdown(ctx context.Context) {
	m.logger.Info("master shutting down", "clients", m.registry.Len())

	if notice, err := message.Encode(message.ServerShuttingDown{}, 0); err == nil {
		if status := m.pub.Send(notice); status != transport.StatusSuccess {
			m.logger.Warn("broadcasting shutdown failed", "status", status.String())
		}
		if status := m.relay.Send(notice); status != transport.StatusSuccess {
			m.logger.Debug("notifying gateway failed", "status", status.String())
		}
	}

	select {
	case <-m.gwDone:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn("gateway did not stop in time; cancelling")
	}
	m.stopGateway()

	m.record(ctx, store.EventServerShutdown, 0, 0, map[string]any{"clients": m.registry.Len()})

	if err := m.registry.CloseAll(); err != nil {
		m.logger.Warn("closing client sockets", "error", err)
	}
	m.closeSockets()
	if m.replies != nil {
		m.replies.Close()
	}
	m.logger.Info("master stopped")
}

// abort releases whatever a failed Start had opened.
func (m *Master) abort() {
	m.stopGateway()
	m.closeSockets()
	if m.replies != nil {
		m.replies.Close()
	}
}

// stopGateway cancels the gateway and waits for it to return.
func (m *Master) stopGateway() {
	if m.gwCancel == nil {
		return
	}
	m.gwCancel()
	m.gwCancel = nil
	<-m.gwDone
	if m.gwErr != nil {
		m.logger.Warn("gateway exited with error", "error", m.gwErr)
	}
}

// gatewayErr must only be called after gwDone is closed.
func (m *Master) gatewayErr() error {
	if m.gwErr == nil {
		return errGatewayStopped
	}
	return m.gwErr
}

func (m *Master) closeSockets() {
	for _, s := range []transport.Socket{m.pub, m.relay} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			m.logger.Warn("closing socket", "url", s.URL(), "error", err)
		}
	}
}
