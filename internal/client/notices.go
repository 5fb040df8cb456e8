// ABOUTME: Fan-out of server broadcast notices to session subscribers.
// ABOUTME: Non-blocking publish so a slow subscriber never stalls the receive loop.

package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/wire"
)

const subscriberBufferSize = 64

// Notice is a message the server published on the broadcast channel.
type Notice struct {
	Type       wire.Type
	Message    message.Message
	ReceivedAt time.Time
}

// noticeHub distributes notices to subscribers. Channels are buffered and a
// notice is dropped for any subscriber whose buffer is full.
type noticeHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notice
	closed      bool
	logger      *slog.Logger
}

func newNoticeHub(logger *slog.Logger) *noticeHub {
	return &noticeHub{
		subscribers: make(map[string]chan Notice),
		logger:      logger,
	}
}

// subscribe registers a subscriber that is removed when ctx ends.
func (h *noticeHub) subscribe(ctx context.Context) (<-chan Notice, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Notice, subscriberBufferSize)
	if h.closed {
		close(ch)
		return ch, ""
	}

	id := uuid.New().String()
	h.subscribers[id] = ch

	go func() {
		<-ctx.Done()
		h.unsubscribe(id)
	}()

	return ch, id
}

func (h *noticeHub) publish(n Notice) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			h.logger.Debug("dropping notice for slow subscriber", "subscription", id, "type", message.TypeName(n.Type))
		}
	}
}

func (h *noticeHub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *noticeHub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// close ends every subscription. Later subscribers get a closed channel.
func (h *noticeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
}
