// ABOUTME: Per-connection engine multiplexing sends, receives and reply correlation on one socket.
// ABOUTME: A watcher goroutine owns the socket; callers only touch mutex-guarded queues and promises.

package communicator

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/ksync/internal/dedupe"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

// ErrClosed is returned by Future.Wait once the communicator has stopped.
var ErrClosed = errors.New("communicator closed")

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultSendTimeout  = time.Second
	defaultInboundLimit = 1024

	// how long a consumed promise's id is remembered so that late
	// duplicate replies to it are recognised
	retiredTTL   = time.Minute
	retiredLimit = 4096
)

// Options configures a Communicator.
type Options struct {
	// PollInterval bounds each idle receive on the socket.
	PollInterval time.Duration
	// SendTimeout bounds each send on the socket.
	SendTimeout time.Duration
	// InboundLimit caps the unsolicited queue; the oldest entry is dropped
	// when it is full.
	InboundLimit int
	Logger       *slog.Logger
}

// Stats are running counters for a communicator.
type Stats struct {
	Sent         uint64
	Received     uint64
	SendFailures uint64
	Unsolicited  uint64
	Duplicates   uint64
	Dropped      uint64
	Pending      int
}

// Communicator lets many goroutines share one socket. Send and
// SendGetResponse enqueue; the watcher goroutine performs all socket I/O.
type Communicator struct {
	sock         transport.Socket
	logger       *slog.Logger
	pollInterval time.Duration

	outMu    sync.Mutex
	outbound *list.List

	inMu         sync.Mutex
	inbound      *list.List
	inboundLimit int

	promMu   sync.Mutex
	promises map[wire.MessageID]*promise
	retired  *dedupe.Cache[wire.MessageID, struct{}]

	latency *latencyRecorder

	sent         atomic.Uint64
	received     atomic.Uint64
	sendFailures atomic.Uint64
	unsolicited  atomic.Uint64
	duplicates   atomic.Uint64
	dropped      atomic.Uint64

	finished atomic.Bool
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New wraps sock and starts the watcher. The caller keeps ownership of sock
// and closes it after Close returns.
func New(sock transport.Socket, opts Options) *Communicator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.InboundLimit <= 0 {
		opts.InboundLimit = defaultInboundLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Communicator{
		sock:         sock,
		logger:       opts.Logger.With("component", "communicator", "url", sock.URL()),
		pollInterval: opts.PollInterval,
		outbound:     list.New(),
		inbound:      list.New(),
		inboundLimit: opts.InboundLimit,
		promises:     make(map[wire.MessageID]*promise),
		retired:      dedupe.New[wire.MessageID, struct{}](retiredTTL, retiredLimit),
		latency:      newLatencyRecorder(),
		stopped:      make(chan struct{}),
	}

	sock.SetSendTimeout(opts.SendTimeout)
	sock.SetRecvTimeout(opts.PollInterval)

	c.wg.Add(1)
	go c.watch()
	return c
}

// Send enqueues env without expecting a reply.
func (c *Communicator) Send(env *wire.Envelope) {
	c.outMu.Lock()
	c.outbound.PushBack(env)
	c.outMu.Unlock()
}

// SendGetResponse registers a promise for env's message id, then enqueues env.
// The returned future resolves with the first received envelope whose reply
// id equals env's message id.
//
// Calling it again for an id whose future is still pending returns the same
// future and re-enqueues env, which is how callers retransmit.
func (c *Communicator) SendGetResponse(env *wire.Envelope) *Future {
	id := env.MessageID()

	c.promMu.Lock()
	p, ok := c.promises[id]
	if ok && p.grabbed.Load() {
		ok = false
	}
	if !ok {
		p = newPromise(id)
		c.promises[id] = p
	}
	fulfilled := p.isFulfilled()
	c.promMu.Unlock()

	if !fulfilled {
		c.Send(env)
	}
	return &Future{p: p, stopped: c.stopped}
}

// Receive pops the oldest unsolicited envelope, if any.
func (c *Communicator) Receive() (*wire.Envelope, bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()

	front := c.inbound.Front()
	if front == nil {
		return nil, false
	}
	c.inbound.Remove(front)
	env, _ := front.Value.(*wire.Envelope)
	return env, true
}

// Finish asks the watcher to stop after its current tick.
func (c *Communicator) Finish() {
	c.finished.Store(true)
}

// Close finishes the watcher and waits for it to exit. Pending futures fail
// with ErrClosed.
func (c *Communicator) Close() error {
	c.Finish()
	c.wg.Wait()
	c.retired.Close()
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Communicator) Stats() Stats {
	c.promMu.Lock()
	pending := len(c.promises)
	c.promMu.Unlock()

	return Stats{
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
		SendFailures: c.sendFailures.Load(),
		Unsolicited:  c.unsolicited.Load(),
		Duplicates:   c.duplicates.Load(),
		Dropped:      c.dropped.Load(),
		Pending:      pending,
	}
}

// Latency summarises request/reply round trips observed so far.
func (c *Communicator) Latency() LatencySnapshot {
	return c.latency.snapshot()
}

func (c *Communicator) watch() {
	defer c.wg.Done()
	defer close(c.stopped)

	c.logger.Debug("watcher started")
	recvTimeout := c.pollInterval
	for !c.finished.Load() {
		// do not sit on an idle receive while there is something to send
		want := c.pollInterval
		if c.outboundLen() > 0 {
			want = 0
		}
		if want != recvTimeout {
			c.sock.SetRecvTimeout(want)
			recvTimeout = want
		}

		c.receiveOnce()
		c.sweep()
		c.sendOnce()
	}

	// best effort flush of fire-and-forget messages queued before Finish
	for c.outboundLen() > 0 {
		c.sendOnce()
	}
	c.logger.Debug("watcher stopped")
}

func (c *Communicator) receiveOnce() {
	env, status := c.sock.Receive()
	switch status {
	case transport.StatusSuccess:
	case transport.StatusOther:
		// the socket logged the cause; avoid spinning on a broken socket
		time.Sleep(c.pollInterval)
		return
	default:
		return
	}
	c.received.Add(1)

	if replyID := env.ReplyID(); replyID != 0 {
		c.promMu.Lock()
		p, ok := c.promises[replyID]
		if ok && !p.isFulfilled() {
			p.fulfill(env)
			c.promMu.Unlock()
			c.latency.record(time.Since(p.created))
			return
		}
		c.promMu.Unlock()
		if !ok {
			_, ok = c.retired.Get(replyID)
		}
		if ok {
			// second answer to a retransmitted request
			c.duplicates.Add(1)
			c.logger.Debug("discarding duplicate reply", "reply_id", replyID)
			return
		}
	}

	c.unsolicited.Add(1)
	c.inMu.Lock()
	c.inbound.PushBack(env)
	var dropped *wire.Envelope
	if c.inbound.Len() > c.inboundLimit {
		dropped, _ = c.inbound.Remove(c.inbound.Front()).(*wire.Envelope)
	}
	c.inMu.Unlock()

	if dropped != nil {
		c.dropped.Add(1)
		c.logger.Debug("unsolicited queue full, dropping oldest",
			"message_id", dropped.MessageID(),
			"reply_id", dropped.ReplyID(),
		)
	}
}

// sweep drops promises whose result the caller has consumed or abandoned.
func (c *Communicator) sweep() {
	c.promMu.Lock()
	defer c.promMu.Unlock()

	for id, p := range c.promises {
		if p.grabbed.Load() {
			delete(c.promises, id)
			c.retired.Put(id, struct{}{})
		}
	}
}

func (c *Communicator) sendOnce() {
	c.outMu.Lock()
	front := c.outbound.Front()
	if front == nil {
		c.outMu.Unlock()
		return
	}
	c.outbound.Remove(front)
	c.outMu.Unlock()

	env, _ := front.Value.(*wire.Envelope)
	if status := c.sock.Send(env); status != transport.StatusSuccess {
		c.sendFailures.Add(1)
		c.logger.Warn("send failed",
			"message_id", env.MessageID(),
			"type", env.Type(),
			"status", status.String(),
		)
		return
	}
	c.sent.Add(1)
}

func (c *Communicator) outboundLen() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outbound.Len()
}

type promise struct {
	id      wire.MessageID
	created time.Time
	done    chan struct{}
	reply   *wire.Envelope
	grabbed atomic.Bool
}

func newPromise(id wire.MessageID) *promise {
	return &promise{
		id:      id,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// fulfill must be called with the communicator's promise lock held.
func (p *promise) fulfill(env *wire.Envelope) {
	p.reply = env
	close(p.done)
}

func (p *promise) isFulfilled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Future is the caller's handle on a pending reply.
type Future struct {
	p       *promise
	stopped <-chan struct{}
}

// ID is the message id the future is waiting on.
func (f *Future) ID() wire.MessageID {
	return f.p.id
}

// Ready reports whether the reply has arrived.
func (f *Future) Ready() bool {
	return f.p.isFulfilled()
}

// Wait blocks until the reply arrives, ctx ends or the communicator stops.
// Receiving the reply releases the promise. A ctx error leaves it pending so
// the request can be retransmitted; call Release to give up on it.
func (f *Future) Wait(ctx context.Context) (*wire.Envelope, error) {
	select {
	case <-f.p.done:
		f.p.grabbed.Store(true)
		return f.p.reply, nil
	default:
	}

	select {
	case <-f.p.done:
		f.p.grabbed.Store(true)
		return f.p.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stopped:
		f.p.grabbed.Store(true)
		return nil, ErrClosed
	}
}

// Release abandons the future so the watcher can collect its promise.
func (f *Future) Release() {
	f.p.grabbed.Store(true)
}
