// ABOUTME: In-process socket backend: endpoints are names registered on a Hub.
// ABOUTME: Mirrors pair, req/rep and pub/sub delivery rules without any I/O.

package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ksync/internal/wire"
)

const memInboxSize = 64

// Hub is an in-process namespace of endpoints. Any string is a valid address,
// so the same endpoint layout can be used with either backend.
type Hub struct {
	mu     sync.Mutex
	bound  map[string]*memSocket
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bound:  make(map[string]*memSocket),
		logger: logger.With("component", "memtransport"),
	}
}

// NewSocket creates a socket attached to this hub.
func (h *Hub) NewSocket(role Role) (Socket, error) {
	if role < RolePair || role > RoleSub {
		return nil, fmt.Errorf("creating socket: unknown role %v", role)
	}
	return &memSocket{
		hub:         h,
		role:        role,
		inbox:       make(chan memFrame, memInboxSize),
		done:        make(chan struct{}),
		sendTimeout: Block,
		recvTimeout: Block,
		logger:      h.logger.With("role", role.String()),
	}, nil
}

// Bound reports whether url currently has a bound socket.
func (h *Hub) Bound(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.bound[url]
	return ok
}

type memFrame struct {
	data []byte
	from *memSocket
}

type memSocket struct {
	hub    *Hub
	role   Role
	inbox  chan memFrame
	done   chan struct{}
	logger *slog.Logger

	mu          sync.Mutex
	url         string
	bound       bool
	peers       []*memSocket
	lastFrom    *memSocket
	sendTimeout time.Duration
	recvTimeout time.Duration
	closed      bool
}

// canConnect lists which role may connect to a bound role.
func canConnect(connector, binder Role) bool {
	switch connector {
	case RolePair:
		return binder == RolePair
	case RoleReq:
		return binder == RoleRep
	case RoleSub:
		return binder == RolePub
	default:
		return false
	}
}

func (s *memSocket) Bind(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, taken := s.hub.bound[url]; taken {
		return fmt.Errorf("binding %s: %w", url, ErrAddressInUse)
	}
	s.hub.bound[url] = s
	s.url = url
	s.bound = true
	return nil
}

func (s *memSocket) Connect(url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.hub.mu.Lock()
	binder, ok := s.hub.bound[url]
	s.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("connecting to %s: %w", url, ErrNotBound)
	}
	if !canConnect(s.role, binder.role) {
		return fmt.Errorf("connecting %s to %s: %w", s.role, binder.role, ErrIncompatibleRole)
	}

	binder.mu.Lock()
	if binder.closed {
		binder.mu.Unlock()
		return fmt.Errorf("connecting to %s: %w", url, ErrNotBound)
	}
	if binder.role == RolePair && len(binder.peers) > 0 {
		binder.mu.Unlock()
		return fmt.Errorf("connecting to %s: pair already has a peer: %w", url, ErrAddressInUse)
	}
	binder.peers = append(binder.peers, s)
	binder.mu.Unlock()

	s.mu.Lock()
	s.peers = []*memSocket{binder}
	s.url = url
	s.mu.Unlock()
	return nil
}

func (s *memSocket) Send(env *wire.Envelope) Status {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("send on closed socket")
		return StatusOther
	}
	timeout := s.sendTimeout
	url := s.url
	peers := append([]*memSocket(nil), s.peers...)
	lastFrom := s.lastFrom
	if s.role == RoleRep {
		s.lastFrom = nil
	}
	s.mu.Unlock()

	frame := memFrame{data: append([]byte(nil), env.Bytes()...), from: s}

	switch s.role {
	case RoleSub:
		s.logger.Warn("send on subscriber socket")
		return StatusOther
	case RolePub:
		for _, p := range peers {
			select {
			case p.inbox <- frame:
			default:
				s.logger.Debug("dropping broadcast for slow subscriber", "url", url)
			}
		}
		return StatusSuccess
	case RoleRep:
		if lastFrom == nil {
			s.logger.Warn("reply without a pending request", "url", url)
			return StatusOther
		}
		return s.deliver(lastFrom, frame, timeout)
	default:
		if len(peers) == 0 {
			return StatusTimeout
		}
		return s.deliver(peers[0], frame, timeout)
	}
}

func (s *memSocket) deliver(to *memSocket, frame memFrame, timeout time.Duration) Status {
	select {
	case <-to.done:
		s.logger.Warn("peer closed")
		return StatusOther
	default:
	}

	if timeout < 0 {
		select {
		case to.inbox <- frame:
			return StatusSuccess
		case <-to.done:
			return StatusOther
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case to.inbox <- frame:
		return StatusSuccess
	case <-to.done:
		return StatusOther
	case <-timer.C:
		return StatusTimeout
	}
}

func (s *memSocket) Receive() (*wire.Envelope, Status) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, StatusOther
	}
	timeout := s.recvTimeout
	s.mu.Unlock()

	var frame memFrame
	switch {
	case timeout < 0:
		select {
		case frame = <-s.inbox:
		case <-s.done:
			return nil, StatusOther
		}
	case timeout == 0:
		select {
		case frame = <-s.inbox:
		default:
			return nil, StatusTimeout
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case frame = <-s.inbox:
		case <-s.done:
			return nil, StatusOther
		case <-timer.C:
			return nil, StatusTimeout
		}
	}

	if s.role == RoleRep {
		s.mu.Lock()
		s.lastFrom = frame.from
		s.mu.Unlock()
	}

	env, status, err := parseFrame(frame.data)
	if err != nil {
		s.logger.Warn("discarding malformed frame", "url", s.URL(), "error", err)
	}
	return env, status
}

func (s *memSocket) SetSendTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendTimeout = d
}

func (s *memSocket) SetRecvTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvTimeout = d
}

func (s *memSocket) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *memSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	url, bound := s.url, s.bound
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()

	if bound {
		s.hub.mu.Lock()
		if s.hub.bound[url] == s {
			delete(s.hub.bound, url)
		}
		s.hub.mu.Unlock()
		return nil
	}

	for _, p := range peers {
		p.mu.Lock()
		for i, q := range p.peers {
			if q == s {
				p.peers = append(p.peers[:i], p.peers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}
	return nil
}
