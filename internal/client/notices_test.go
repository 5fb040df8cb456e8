// ABOUTME: Tests for the notice fan-out used by sessions.

package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ksync/internal/message"
)

func notice() Notice {
	return Notice{Type: message.TypeServerShuttingDown, Message: message.ServerShuttingDown{}, ReceivedAt: time.Now()}
}

func TestNoticeHub_PublishReachesEverySubscriber(t *testing.T) {
	h := newNoticeHub(slog.Default())
	a, _ := h.subscribe(testContext(t))
	b, _ := h.subscribe(testContext(t))

	h.publish(notice())

	for _, ch := range []<-chan Notice{a, b} {
		select {
		case n := <-ch:
			assert.Equal(t, message.TypeServerShuttingDown, n.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed notice")
		}
	}
}

func TestNoticeHub_ContextCancelUnsubscribes(t *testing.T) {
	h := newNoticeHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	ch, id := h.subscribe(ctx)
	require.NotEmpty(t, id)
	require.Equal(t, 1, h.len())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, h.len())
}

func TestNoticeHub_SlowSubscriberDrops(t *testing.T) {
	h := newNoticeHub(slog.Default())
	ch, _ := h.subscribe(testContext(t))

	for i := 0; i < subscriberBufferSize+10; i++ {
		h.publish(notice())
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestNoticeHub_Close(t *testing.T) {
	h := newNoticeHub(slog.Default())
	ch, _ := h.subscribe(testContext(t))

	h.close()
	_, ok := <-ch
	assert.False(t, ok)

	late, id := h.subscribe(testContext(t))
	assert.Empty(t, id)
	_, ok = <-late
	assert.False(t, ok)
}
