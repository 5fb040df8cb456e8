// ABOUTME: An established client session with the master.
// ABOUTME: Typed requests with retransmission over a communicator, plus broadcast notices.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ksync/internal/communicator"
	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

// sessionInboundLimit caps replies nobody waits for anymore. Sessions never
// read unsolicited traffic on the pair socket.
const sessionInboundLimit = 32

// Session is a registered client. It is safe for concurrent use.
type Session struct {
	id     uint64
	urls   message.ClientSocketCreation
	pair   transport.Socket
	sub    transport.Socket
	comm   *communicator.Communicator
	hub    *noticeHub
	opts   Options
	logger *slog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// newSession takes ownership of pair and sub.
func newSession(id uint64, pair, sub transport.Socket, opts Options) *Session {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "session", "client_id", id)

	s := &Session{
		id:   id,
		pair: pair,
		sub:  sub,
		comm: communicator.New(pair, communicator.Options{
			PollInterval: opts.PollInterval,
			SendTimeout:  opts.RequestTimeout,
			InboundLimit: sessionInboundLimit,
			Logger:       opts.Logger,
		}),
		hub:    newNoticeHub(logger),
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
	}

	if sub != nil {
		sub.SetRecvTimeout(noticePollInterval)
		s.wg.Add(1)
		go s.watchNotices()
	}
	return s
}

// ID returns the client id the master accepted.
func (s *Session) ID() uint64 { return s.id }

// Endpoints returns the private and broadcast addresses the master assigned.
func (s *Session) Endpoints() message.ClientSocketCreation { return s.urls }

// Echo sends text and returns the server's echo of it.
func (s *Session) Echo(ctx context.Context, text string) (string, error) {
	reply, err := s.request(ctx, message.String{Text: text})
	if err != nil {
		return "", err
	}
	msg, err := message.As[message.String](reply)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return msg.Text, nil
}

// Execute runs command on the server and returns its collected output.
func (s *Session) Execute(ctx context.Context, command string) (message.CommandOutput, error) {
	reply, err := s.request(ctx, message.ExecuteCommand{Command: command})
	if err != nil {
		return message.CommandOutput{}, err
	}
	out, err := message.As[message.CommandOutput](reply)
	if err != nil {
		return message.CommandOutput{}, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return out, nil
}

// Shutdown asks the server to stop and waits for the acknowledgement.
func (s *Session) Shutdown(ctx context.Context) error {
	reply, err := s.request(ctx, message.ShutdownRequest{})
	if err != nil {
		return err
	}
	if _, err := message.As[message.ShutdownAck](reply); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return nil
}

// Notices subscribes to server broadcasts until ctx ends or the session
// closes.
func (s *Session) Notices(ctx context.Context) <-chan Notice {
	ch, _ := s.hub.subscribe(ctx)
	return ch
}

// Stats returns the communicator counters for the session.
func (s *Session) Stats() communicator.Stats { return s.comm.Stats() }

// Latency summarizes request round trips.
func (s *Session) Latency() communicator.LatencySnapshot { return s.comm.Latency() }

// Close flushes queued sends and releases the sockets.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		var errs []error
		errs = append(errs, s.comm.Close())
		errs = append(errs, s.pair.Close())
		if s.sub != nil {
			errs = append(errs, s.sub.Close())
		}
		s.hub.close()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// request sends msg and waits for the reply, retransmitting the same
// envelope whenever RequestTimeout passes without one.
func (s *Session) request(ctx context.Context, msg message.Message) (*wire.Envelope, error) {
	env, err := message.Encode(msg, 0)
	if err != nil {
		return nil, err
	}

	var fut *communicator.Future
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retransmitting request",
				"type", message.TypeName(msg.Type()),
				"message_id", env.MessageID(),
				"attempt", attempt,
			)
		}
		fut = s.comm.SendGetResponse(env)

		waitCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		reply, err := fut.Wait(waitCtx)
		cancel()
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			fut.Release()
			return nil, err
		}
	}

	fut.Release()
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrNoReply, message.TypeName(msg.Type()), s.opts.Retries+1)
}

func (s *Session) watchNotices() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		env, status := s.sub.Receive()
		switch status {
		case transport.StatusSuccess:
			msg, err := message.Decode(env)
			if err != nil {
				s.logger.Warn("dropping broadcast", "type", message.TypeName(env.Type()), "error", err)
				continue
			}
			s.logger.Info("server notice", "type", message.TypeName(env.Type()))
			s.hub.publish(Notice{Type: env.Type(), Message: msg, ReceivedAt: time.Now()})
		case transport.StatusOther:
			select {
			case <-s.stop:
				return
			case <-time.After(noticePollInterval):
			}
		}
	}
}
