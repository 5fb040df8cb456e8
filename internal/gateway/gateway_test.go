// ABOUTME: Tests for the gateway handshake, request relaying and shutdown.
// ABOUTME: The test plays the master's side of the relay over an in-process hub.

package gateway

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

type harness struct {
	hub   *transport.Hub
	eps   transport.Endpoints
	relay transport.Socket
	gw    *Gateway
	done  chan error
}

func testConfig(eps transport.Endpoints) Config {
	return Config{
		GatewayURL:        eps.Gateway,
		RelayURL:          eps.Relay,
		ControlTimeout:    50 * time.Millisecond,
		PollTimeout:       5 * time.Millisecond,
		RelayTimeout:      time.Second,
		HandshakeAttempts: 3,
	}
}

// startGateway binds the master end of the relay and launches Run.
func startGateway(t *testing.T, cfg func(*Config)) *harness {
	t.Helper()
	h := &harness{hub: transport.NewHub(nil), eps: transport.MemoryEndpoints("gw"), done: make(chan error, 1)}

	relay, err := h.hub.NewSocket(transport.RolePair)
	require.NoError(t, err)
	require.NoError(t, relay.Bind(h.eps.Relay))
	relay.SetRecvTimeout(time.Second)
	relay.SetSendTimeout(time.Second)
	h.relay = relay
	t.Cleanup(func() { _ = relay.Close() })

	c := testConfig(h.eps)
	if cfg != nil {
		cfg(&c)
	}
	h.gw = New(c, h.hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- h.gw.Run(ctx) }()
	return h
}

// acknowledge plays the master's half of the handshake.
func (h *harness) acknowledge(t *testing.T) {
	t.Helper()
	env, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	require.Equal(t, message.TypeSocketConnectHerald, env.Type())

	ack, err := message.Encode(message.SocketConnectAcknowledge{}, 0)
	require.NoError(t, err)
	require.Equal(t, transport.StatusSuccess, h.relay.Send(ack))

	select {
	case <-h.gw.Ready():
	case err := <-h.done:
		t.Fatalf("gateway exited during startup: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never became ready")
	}
}

func (h *harness) client(t *testing.T) transport.Socket {
	t.Helper()
	req, err := h.hub.NewSocket(transport.RoleReq)
	require.NoError(t, err)
	require.NoError(t, req.Connect(h.eps.Gateway))
	req.SetRecvTimeout(2 * time.Second)
	req.SetSendTimeout(time.Second)
	t.Cleanup(func() { _ = req.Close() })
	return req
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	notice, err := message.Encode(message.ServerShuttingDown{}, 0)
	require.NoError(t, err)
	require.Equal(t, transport.StatusSuccess, h.relay.Send(notice))
	h.wait(t)
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func encode(t *testing.T, msg message.Message, replyID wire.MessageID) *wire.Envelope {
	t.Helper()
	env, err := message.Encode(msg, replyID)
	require.NoError(t, err)
	return env
}

// withID rewrites env's message id so fixtures never collide.
func withID(t *testing.T, env *wire.Envelope, id uint16) *wire.Envelope {
	t.Helper()
	raw := append([]byte(nil), env.Bytes()...)
	binary.LittleEndian.PutUint16(raw[1:3], id)
	out, err := wire.FromBytes(raw)
	require.NoError(t, err)
	return out
}

func (h *harness) expectChangeID(t *testing.T, req transport.Socket, sent *wire.Envelope) {
	t.Helper()
	reply, status := req.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	assert.Equal(t, message.TypeGatewayChangeID, reply.Type())
	assert.Equal(t, sent.MessageID(), reply.ReplyID())
}

func TestGateway_RelaysInitRequest(t *testing.T) {
	h := startGateway(t, nil)
	h.acknowledge(t)
	assert.Equal(t, StateServing, h.gw.State())

	req := h.client(t)
	init := encode(t, message.GatewayInitRequest{ClientID: 42}, 0)
	require.Equal(t, transport.StatusSuccess, req.Send(init))

	// forwarded verbatim
	fwd, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	assert.Equal(t, init.Bytes(), fwd.Bytes())

	creation := encode(t, message.ClientSocketCreation{
		ClientURL:    h.eps.Client(42),
		BroadcastURL: h.eps.Broadcast,
	}, fwd.MessageID())
	require.Equal(t, transport.StatusSuccess, h.relay.Send(creation))

	reply, status := req.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	got, err := message.As[message.ClientSocketCreation](reply)
	require.NoError(t, err)
	assert.Equal(t, "mem://gw/client-42", got.ClientURL)
	assert.Equal(t, init.MessageID(), reply.ReplyID())
	require.Eventually(t, func() bool { return h.gw.Handoffs() == 1 }, time.Second, time.Millisecond)

	h.shutdown(t)
	assert.Equal(t, StateShuttingDown, h.gw.State())
	assert.False(t, h.hub.Bound(h.eps.Gateway), "gateway endpoint released")
}

func TestGateway_EchoesStrings(t *testing.T) {
	h := startGateway(t, nil)
	h.acknowledge(t)

	req := h.client(t)
	ping := encode(t, message.String{Text: "ping"}, 0)
	require.Equal(t, transport.StatusSuccess, req.Send(ping))

	reply, status := req.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	s, err := message.As[message.String](reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", s.Text)
	assert.Equal(t, ping.MessageID(), reply.ReplyID())

	h.shutdown(t)
}

func TestGateway_ShutdownWhileRelaying(t *testing.T) {
	h := startGateway(t, nil)
	h.acknowledge(t)

	req := h.client(t)
	init := encode(t, message.GatewayInitRequest{ClientID: 7}, 0)
	require.Equal(t, transport.StatusSuccess, req.Send(init))

	_, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	require.Equal(t, transport.StatusSuccess, h.relay.Send(encode(t, message.ServerShuttingDown{}, 0)))

	reply, status := req.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	assert.Equal(t, message.TypeServerShuttingDown, reply.Type())
	assert.Equal(t, init.MessageID(), reply.ReplyID())
	h.wait(t)
}

func TestGateway_UnsupportedTypeGetsChangeID(t *testing.T) {
	h := startGateway(t, nil)
	h.acknowledge(t)

	req := h.client(t)
	shut := encode(t, message.ShutdownRequest{}, 0)
	require.Equal(t, transport.StatusSuccess, req.Send(shut))

	h.expectChangeID(t, req, shut)
	assert.Equal(t, StateServing, h.gw.State())
	assert.Zero(t, h.gw.Handoffs())

	h.shutdown(t)
}

func TestGateway_CorruptEchoGetsChangeID(t *testing.T) {
	h := startGateway(t, nil)
	h.acknowledge(t)

	raw := append([]byte(nil), encode(t, message.String{Text: "ping"}, 0).Bytes()...)
	raw[wire.HeaderSize] ^= 0x01
	corrupt, err := wire.FromBytes(raw)
	require.NoError(t, err)

	req := h.client(t)
	require.Equal(t, transport.StatusSuccess, req.Send(corrupt))
	h.expectChangeID(t, req, corrupt)

	h.shutdown(t)
}

func TestGateway_MasterSilenceGetsChangeID(t *testing.T) {
	h := startGateway(t, func(c *Config) { c.RelayTimeout = 50 * time.Millisecond })
	h.acknowledge(t)

	req := h.client(t)
	init := withID(t, encode(t, message.GatewayInitRequest{ClientID: 1}, 0), 0x1111)
	require.Equal(t, transport.StatusSuccess, req.Send(init))

	_, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)

	h.expectChangeID(t, req, init)
	assert.Zero(t, h.gw.Handoffs())

	h.shutdown(t)
}

func TestGateway_LateReplyGoesToItsOwnRequester(t *testing.T) {
	h := startGateway(t, func(c *Config) { c.RelayTimeout = 100 * time.Millisecond })
	h.acknowledge(t)

	// First client gives up after the master misses the relay window.
	first := h.client(t)
	initA := withID(t, encode(t, message.GatewayInitRequest{ClientID: 1}, 0), 0x1111)
	require.Equal(t, transport.StatusSuccess, first.Send(initA))
	fwdA, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	h.expectChangeID(t, first, initA)

	second := h.client(t)
	initB := withID(t, encode(t, message.GatewayInitRequest{ClientID: 2}, 0), 0x2222)
	require.Equal(t, transport.StatusSuccess, second.Send(initB))
	fwdB, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)

	// The master answers the old request first, then the new one.
	late := encode(t, message.ClientSocketCreation{ClientURL: h.eps.Client(1), BroadcastURL: h.eps.Broadcast}, fwdA.MessageID())
	require.Equal(t, transport.StatusSuccess, h.relay.Send(late))
	answer := encode(t, message.ClientSocketCreation{ClientURL: h.eps.Client(2), BroadcastURL: h.eps.Broadcast}, fwdB.MessageID())
	require.Equal(t, transport.StatusSuccess, h.relay.Send(answer))

	reply, status := second.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	assert.Equal(t, initB.MessageID(), reply.ReplyID())
	got, err := message.As[message.ClientSocketCreation](reply)
	require.NoError(t, err)
	assert.Equal(t, h.eps.Client(2), got.ClientURL)
	require.Eventually(t, func() bool { return h.gw.Handoffs() == 1 }, time.Second, time.Millisecond)

	h.shutdown(t)
}

func TestGateway_HandshakeWrongType(t *testing.T) {
	h := startGateway(t, nil)

	_, status := h.relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	require.Equal(t, transport.StatusSuccess, h.relay.Send(encode(t, message.String{Text: "hi"}, 0)))

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrHandshake)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not fail")
	}
	assert.False(t, h.hub.Bound(h.eps.Gateway))
}

func TestGateway_HandshakeTimesOut(t *testing.T) {
	h := startGateway(t, func(c *Config) {
		c.ControlTimeout = 5 * time.Millisecond
		c.HandshakeAttempts = 2
	})

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrHandshake)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not give up")
	}
	assert.Equal(t, StateShuttingDown, h.gw.State())
}

func TestGateway_NoMaster(t *testing.T) {
	hub := transport.NewHub(nil)
	gw := New(testConfig(transport.MemoryEndpoints("none")), hub, nil)

	err := gw.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotBound)
}

func TestGateway_ContextCancelStopsServing(t *testing.T) {
	hub := transport.NewHub(nil)
	eps := transport.MemoryEndpoints("ctx")
	relay, err := hub.NewSocket(transport.RolePair)
	require.NoError(t, err)
	require.NoError(t, relay.Bind(eps.Relay))
	defer relay.Close()

	gw := New(testConfig(eps), hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	relay.SetRecvTimeout(time.Second)
	_, status := relay.Receive()
	require.Equal(t, transport.StatusSuccess, status)
	require.Equal(t, transport.StatusSuccess, relay.Send(encode(t, message.SocketConnectAcknowledge{}, 0)))
	<-gw.Ready()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway ignored cancellation")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_ack", StateAwaitingAck.String())
	assert.Equal(t, "state(99)", State(99).String())
}
