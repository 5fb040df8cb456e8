// ABOUTME: ZeroMQ socket backend built on the pure-Go go-zeromq/zmq4 library.
// ABOUTME: Supports tcp://, ipc:// and inproc:// endpoints with per-call timeouts.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/2389/ksync/internal/wire"
)

const dialRetry = 100 * time.Millisecond

// ZMQFactory creates zmq4 sockets.
type ZMQFactory struct {
	ctx    context.Context
	logger *slog.Logger
}

// NewZMQFactory returns a factory whose sockets live until closed or until ctx
// is cancelled.
func NewZMQFactory(ctx context.Context, logger *slog.Logger) *ZMQFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZMQFactory{
		ctx:    ctx,
		logger: logger.With("component", "zmq"),
	}
}

// NewSocket creates a socket for role.
func (f *ZMQFactory) NewSocket(role Role) (Socket, error) {
	opts := []zmq4.Option{
		zmq4.WithDialerRetry(dialRetry),
		zmq4.WithLogger(slog.NewLogLogger(f.logger.Handler(), slog.LevelDebug)),
	}

	var sock zmq4.Socket
	switch role {
	case RolePair:
		sock = zmq4.NewPair(f.ctx, opts...)
	case RoleReq:
		sock = zmq4.NewReq(f.ctx, opts...)
	case RoleRep:
		sock = zmq4.NewRep(f.ctx, opts...)
	case RolePub:
		sock = zmq4.NewPub(f.ctx, opts...)
	case RoleSub:
		sock = zmq4.NewSub(f.ctx, opts...)
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("subscribing to all topics: %w", err)
		}
	default:
		return nil, fmt.Errorf("creating socket: unknown role %v", role)
	}

	return &zmqSocket{
		role:        role,
		sock:        sock,
		logger:      f.logger.With("role", role.String()),
		sendTimeout: Block,
		recvTimeout: Block,
	}, nil
}

type recvResult struct {
	msg zmq4.Msg
	err error
}

// zmqSocket adapts a zmq4.Socket, whose Recv blocks, to timed receives. At
// most one Recv is in flight; a receive that times out leaves it running and
// the next Receive collects its result, so req/rep alternation is preserved.
//
// Sends work the same way. A send that times out may still be delivered
// later, but no later send starts until it completes, so messages leave in
// call order. A send that times out while an earlier one is still in flight
// is not delivered.
type zmqSocket struct {
	role   Role
	sock   zmq4.Socket
	logger *slog.Logger

	sendMu  sync.Mutex
	sending chan error

	mu          sync.Mutex
	sendTimeout time.Duration
	recvTimeout time.Duration
	pending     chan recvResult
	url         string
	ipcPath     string
	closed      bool
}

func (s *zmqSocket) Bind(url string) error {
	if err := s.sock.Listen(url); err != nil {
		return fmt.Errorf("binding %s socket to %s: %w", s.role, url, err)
	}

	s.mu.Lock()
	s.url = url
	if path, ok := strings.CutPrefix(url, "ipc://"); ok {
		s.ipcPath = path
	}
	s.mu.Unlock()

	s.logger.Debug("socket bound", "url", url)
	return nil
}

func (s *zmqSocket) Connect(url string) error {
	if err := s.sock.Dial(url); err != nil {
		return fmt.Errorf("connecting %s socket to %s: %w", s.role, url, err)
	}

	s.mu.Lock()
	s.url = url
	s.mu.Unlock()

	s.logger.Debug("socket connected", "url", url)
	return nil
}

func (s *zmqSocket) Send(env *wire.Envelope) Status {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	timeout := s.sendTimeout
	closed := s.closed
	s.mu.Unlock()

	if closed {
		s.logger.Warn("send on closed socket")
		return StatusOther
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if s.sending != nil {
		select {
		case err := <-s.sending:
			if err != nil {
				s.logger.Warn("earlier send failed", "url", s.URL(), "error", err)
			}
			s.sending = nil
		case <-deadline:
			return StatusTimeout
		}
	}

	msg := zmq4.NewMsg(env.Bytes())
	done := make(chan error, 1)
	go func() {
		done <- s.sock.Send(msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("send failed", "url", s.URL(), "error", err)
			return StatusOther
		}
		return StatusSuccess
	case <-deadline:
		s.sending = done
		return StatusTimeout
	}
}

func (s *zmqSocket) Receive() (*wire.Envelope, Status) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, StatusOther
	}
	if s.pending == nil {
		ch := make(chan recvResult, 1)
		s.pending = ch
		go func() {
			msg, err := s.sock.Recv()
			ch <- recvResult{msg: msg, err: err}
		}()
	}
	ch := s.pending
	timeout := s.recvTimeout
	s.mu.Unlock()

	var res recvResult
	switch {
	case timeout < 0:
		res = <-ch
	case timeout == 0:
		select {
		case res = <-ch:
		default:
			return nil, StatusTimeout
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res = <-ch:
		case <-timer.C:
			return nil, StatusTimeout
		}
	}

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	if res.err != nil {
		if !errors.Is(res.err, context.Canceled) {
			s.logger.Warn("receive failed", "url", s.URL(), "error", res.err)
		}
		return nil, StatusOther
	}

	env, status, err := parseFrame(res.msg.Bytes())
	if err != nil {
		s.logger.Warn("discarding malformed frame", "url", s.URL(), "error", err)
	}
	return env, status
}

func (s *zmqSocket) SetSendTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendTimeout = d
}

func (s *zmqSocket) SetRecvTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvTimeout = d
}

func (s *zmqSocket) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *zmqSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ipcPath := s.ipcPath
	s.mu.Unlock()

	err := s.sock.Close()
	if ipcPath != "" {
		if rmErr := os.Remove(ipcPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("removing %s: %w", ipcPath, rmErr))
		}
	}
	return err
}
