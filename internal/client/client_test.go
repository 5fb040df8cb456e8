// ABOUTME: Tests for Dial and Session against a real master and against scripted peers.
// ABOUTME: Covers id collisions, retransmission, notices and an ipc end-to-end run.

package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ksync/internal/execution"
	"github.com/2389/ksync/internal/master"
	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

type server struct {
	hub    *transport.Hub
	eps    transport.Endpoints
	master *master.Master
	done   chan error
}

func masterConfig(eps transport.Endpoints) master.Config {
	return master.Config{
		Endpoints:          eps,
		ControlTimeout:     200 * time.Millisecond,
		PollTimeout:        2 * time.Millisecond,
		GatewayPollTimeout: 2 * time.Millisecond,
		RelayTimeout:       time.Second,
		HandshakeAttempts:  5,
		ShutdownTimeout:    2 * time.Second,
		ReplayTTL:          time.Minute,
	}
}

func startServer(t *testing.T, factory transport.Factory, eps transport.Endpoints) *master.Master {
	t.Helper()
	m := master.New(masterConfig(eps), master.Options{
		Factory:  factory,
		Executor: execution.NewShellExecutor("", 5*time.Second, nil),
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("master did not stop")
		}
	})
	return m
}

func startMemoryServer(t *testing.T) *server {
	t.Helper()
	s := &server{hub: transport.NewHub(nil), eps: transport.MemoryEndpoints("c")}
	s.master = startServer(t, s.hub, s.eps)
	return s
}

func dial(t *testing.T, s *server, opts Options) *Session {
	t.Helper()
	opts.GatewayTimeout = 2 * time.Second
	sess, err := Dial(context.Background(), s.hub, s.eps.Gateway, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// sequence proposes vals in order, repeating the last one.
func sequence(vals ...uint64) func() uint64 {
	var mu sync.Mutex
	i := 0
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		v := vals[min(i, len(vals)-1)]
		i++
		return v
	}
}

func TestDial_EchoAndExecute(t *testing.T) {
	s := startMemoryServer(t)
	sess := dial(t, s, Options{NewClientID: sequence(42)})

	assert.Equal(t, uint64(42), sess.ID())
	assert.Equal(t, s.eps.Client(42), sess.Endpoints().ClientURL)
	assert.Equal(t, s.eps.Broadcast, sess.Endpoints().BroadcastURL)

	text, err := sess.Echo(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	out, err := sess.Execute(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, message.CommandOutput{Stdout: "hi\n", ReturnCode: 0}, out)

	stats := sess.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, int64(2), sess.Latency().Count)
}

func TestDial_RetriesOnCollision(t *testing.T) {
	s := startMemoryServer(t)
	dial(t, s, Options{NewClientID: sequence(7)})

	second := dial(t, s, Options{NewClientID: sequence(7, 8)})
	assert.Equal(t, uint64(8), second.ID())
	assert.Equal(t, uint64(1), s.master.Stats().Rejected)
	assert.Len(t, s.master.Clients(), 2)
}

func TestDial_TooManyCollisions(t *testing.T) {
	s := startMemoryServer(t)
	dial(t, s, Options{NewClientID: sequence(7)})

	_, err := Dial(context.Background(), s.hub, s.eps.Gateway, Options{
		NewClientID:    sequence(7),
		MaxAttempts:    3,
		GatewayTimeout: 2 * time.Second,
	})
	require.ErrorIs(t, err, ErrTooManyCollisions)
	assert.Equal(t, uint64(3), s.master.Stats().Rejected)
}

func TestDial_NoGateway(t *testing.T) {
	_, err := Dial(context.Background(), transport.NewHub(nil), "mem://nobody/connect", Options{})
	require.ErrorIs(t, err, transport.ErrNotBound)
}

func TestDial_CanceledContext(t *testing.T) {
	hub := transport.NewHub(nil)
	rep, err := hub.NewSocket(transport.RoleRep)
	require.NoError(t, err)
	require.NoError(t, rep.Bind("mem://cancel/connect"))
	t.Cleanup(func() { _ = rep.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, hub, "mem://cancel/connect", Options{})
	require.ErrorIs(t, err, context.Canceled)
}

// scriptedGateway answers every init request with reply, or never when reply is nil.
func scriptedGateway(t *testing.T, url string, reply message.Message) *transport.Hub {
	t.Helper()
	hub := transport.NewHub(nil)
	rep, err := hub.NewSocket(transport.RoleRep)
	require.NoError(t, err)
	require.NoError(t, rep.Bind(url))
	rep.SetRecvTimeout(20 * time.Millisecond)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			env, status := rep.Receive()
			if status != transport.StatusSuccess || reply == nil {
				continue
			}
			out, err := message.Reply(reply, env)
			if err == nil {
				rep.Send(out)
			}
		}
	}()

	t.Cleanup(func() {
		close(stop)
		<-done
		_ = rep.Close()
	})
	return hub
}

func TestDial_GatewayTimeout(t *testing.T) {
	hub := scriptedGateway(t, "mem://silent/connect", nil)

	_, err := Dial(context.Background(), hub, "mem://silent/connect", Options{GatewayTimeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestDial_ServerShuttingDown(t *testing.T) {
	hub := scriptedGateway(t, "mem://stopping/connect", message.ServerShuttingDown{})

	_, err := Dial(context.Background(), hub, "mem://stopping/connect", Options{GatewayTimeout: time.Second})
	require.ErrorIs(t, err, ErrServerShuttingDown)
}

func TestDial_UnexpectedReply(t *testing.T) {
	hub := scriptedGateway(t, "mem://odd/connect", message.String{Text: "?"})

	_, err := Dial(context.Background(), hub, "mem://odd/connect", Options{GatewayTimeout: time.Second})
	require.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestSession_ShutdownBroadcastsNotice(t *testing.T) {
	s := startMemoryServer(t)
	requester := dial(t, s, Options{NewClientID: sequence(1)})
	bystander := dial(t, s, Options{NewClientID: sequence(2)})

	notices := bystander.Notices(testContext(t))

	require.NoError(t, requester.Shutdown(context.Background()))

	select {
	case n := <-notices:
		assert.Equal(t, message.TypeServerShuttingDown, n.Type)
		assert.IsType(t, message.ServerShuttingDown{}, n.Message)
		assert.False(t, n.ReceivedAt.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("no shutdown notice")
	}
}

func TestSession_CloseEndsNotices(t *testing.T) {
	s := startMemoryServer(t)
	sess := dial(t, s, Options{NewClientID: sequence(3)})
	notices := sess.Notices(testContext(t))

	require.NoError(t, sess.Close())

	select {
	case _, ok := <-notices:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notice channel not closed")
	}
	assert.NoError(t, sess.Close())
}

// peerSession returns a session whose pair socket talks to a test-held peer.
func peerSession(t *testing.T, opts Options) (*Session, transport.Socket) {
	t.Helper()
	hub := transport.NewHub(nil)
	peer, err := hub.NewSocket(transport.RolePair)
	require.NoError(t, err)
	require.NoError(t, peer.Bind("mem://peer/client-1"))
	peer.SetRecvTimeout(2 * time.Second)
	peer.SetSendTimeout(time.Second)
	t.Cleanup(func() { _ = peer.Close() })

	pair, err := hub.NewSocket(transport.RolePair)
	require.NoError(t, err)
	require.NoError(t, pair.Connect("mem://peer/client-1"))

	sess := newSession(1, pair, nil, opts)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, peer
}

func TestSession_RetransmitsSameEnvelope(t *testing.T) {
	sess, peer := peerSession(t, Options{RequestTimeout: 100 * time.Millisecond, Retries: 3})

	want := message.CommandOutput{Stdout: "done\n"}
	seen := make(chan wire.MessageID, 2)
	go func() {
		first, status := peer.Receive()
		if status != transport.StatusSuccess {
			return
		}
		seen <- first.MessageID()

		second, status := peer.Receive()
		if status != transport.StatusSuccess {
			return
		}
		seen <- second.MessageID()
		if reply, err := message.Reply(want, second); err == nil {
			peer.Send(reply)
		}
	}()

	out, err := sess.Execute(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, want, out)

	first, second := <-seen, <-seen
	assert.Equal(t, first, second)
}

func TestSession_DuplicateAnswersDoNotAccumulate(t *testing.T) {
	sess, peer := peerSession(t, Options{RequestTimeout: 100 * time.Millisecond, Retries: 3})

	// answer both the original and the retransmission
	go func() {
		var envs []*wire.Envelope
		for i := 0; i < 2; i++ {
			env, status := peer.Receive()
			if status != transport.StatusSuccess {
				return
			}
			envs = append(envs, env)
		}
		for _, env := range envs {
			if reply, err := message.Reply(message.String{Text: "pong"}, env); err == nil {
				peer.Send(reply)
			}
		}
	}()

	got, err := sess.Echo(context.Background(), "pong")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	require.Eventually(t, func() bool { return sess.Stats().Duplicates == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, sess.Stats().Unsolicited)
}

func TestSession_NoReply(t *testing.T) {
	sess, peer := peerSession(t, Options{RequestTimeout: 30 * time.Millisecond, Retries: 1})

	_, err := sess.Echo(context.Background(), "anyone?")
	require.ErrorIs(t, err, ErrNoReply)

	for i := 0; i < 2; i++ {
		env, status := peer.Receive()
		require.Equal(t, transport.StatusSuccess, status)
		assert.Equal(t, message.TypeString, env.Type())
	}
}

func TestSession_ContextCanceled(t *testing.T) {
	sess, _ := peerSession(t, Options{RequestTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sess.Echo(ctx, "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_WrongReplyType(t *testing.T) {
	sess, peer := peerSession(t, Options{RequestTimeout: time.Second})

	go func() {
		env, status := peer.Receive()
		if status != transport.StatusSuccess {
			return
		}
		if reply, err := message.Reply(message.String{Text: "not output"}, env); err == nil {
			peer.Send(reply)
		}
	}()

	_, err := sess.Execute(context.Background(), "true")
	require.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestEndToEnd_ZMQ(t *testing.T) {
	dir := t.TempDir()
	eps := transport.IPCEndpoints(dir)
	eps.Relay = "inproc://ksync-client-e2e"
	factory := transport.NewZMQFactory(context.Background(), nil)
	m := startServer(t, factory, eps)

	sess, err := Dial(context.Background(), factory, eps.Gateway, Options{
		NewClientID:    sequence(42),
		GatewayTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "ipc://"+filepath.Join(dir, "ksync-42.ipc"), sess.Endpoints().ClientURL)

	out, err := sess.Execute(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.Stdout)
	assert.Equal(t, int32(0), out.ReturnCode)

	require.NoError(t, sess.Shutdown(context.Background()))
	assert.Equal(t, uint64(1), m.Stats().Commands)
}
