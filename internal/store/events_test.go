// ABOUTME: Tests for ledger event store operations
// ABOUTME: Covers Append and List with filtering against both store implementations

package store

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestEvents_Append(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			e := &Event{
				Kind:      EventCommandExecuted,
				ClientID:  42,
				MessageID: 0xBEEF,
				Detail:    map[string]any{"command": "echo hi", "return_code": 0},
			}
			require.NoError(t, s.AppendEvent(context.Background(), e))
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
		})
	}
}

func TestEvents_AppendRejectsUnknownKind(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.AppendEvent(context.Background(), &Event{Kind: "bogus"})
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestEvents_ListNewestFirst(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kinds := []EventKind{EventClientRegistered, EventCommandExecuted, EventServerShutdown}
			for i, k := range kinds {
				require.NoError(t, s.AppendEvent(ctx, &Event{
					Kind:      k,
					Timestamp: base.Add(time.Duration(i) * time.Second),
				}))
			}

			events, err := s.ListEvents(ctx, EventFilter{})
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, EventServerShutdown, events[0].Kind)
			assert.Equal(t, EventClientRegistered, events[2].Kind)
		})
	}
}

func TestEvents_SubSecondOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	// whole second first, then a fractional one; text order must still follow time
	require.NoError(t, s.AppendEvent(ctx, &Event{Kind: EventClientRegistered, Timestamp: base}))
	require.NoError(t, s.AppendEvent(ctx, &Event{Kind: EventServerShutdown, Timestamp: base.Add(100 * time.Millisecond)}))

	events, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventServerShutdown, events[0].Kind)
	assert.True(t, events[0].Timestamp.Equal(base.Add(100*time.Millisecond)))
}

func TestEvents_Filters(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				kind := EventClientRegistered
				if i%2 == 1 {
					kind = EventCommandExecuted
				}
				require.NoError(t, s.AppendEvent(ctx, &Event{
					Kind:      kind,
					ClientID:  uint64(i % 2),
					Timestamp: base.Add(time.Duration(i) * 10 * time.Minute),
				}))
			}

			kind := EventCommandExecuted
			events, err := s.ListEvents(ctx, EventFilter{Kind: &kind})
			require.NoError(t, err)
			assert.Len(t, events, 2)

			client := uint64(0)
			events, err = s.ListEvents(ctx, EventFilter{ClientID: &client})
			require.NoError(t, err)
			assert.Len(t, events, 2)

			since := base.Add(15 * time.Minute)
			events, err = s.ListEvents(ctx, EventFilter{Since: &since})
			require.NoError(t, err)
			assert.Len(t, events, 2)

			until := base.Add(5 * time.Minute)
			events, err = s.ListEvents(ctx, EventFilter{Until: &until})
			require.NoError(t, err)
			assert.Len(t, events, 1)

			events, err = s.ListEvents(ctx, EventFilter{Limit: 3})
			require.NoError(t, err)
			assert.Len(t, events, 3)
		})
	}
}

func TestEvents_DetailAndLargeClientID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := &Event{
		Kind:      EventClientRegistered,
		ClientID:  math.MaxUint64,
		MessageID: math.MaxUint16,
		Detail:    map[string]any{"url": "ipc:///tmp/ksync-1.ipc"},
	}
	require.NoError(t, s.AppendEvent(ctx, e))

	id := uint64(math.MaxUint64)
	events, err := s.ListEvents(ctx, EventFilter{ClientID: &id})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(math.MaxUint64), events[0].ClientID)
	assert.Equal(t, uint16(math.MaxUint16), events[0].MessageID)
	assert.Equal(t, "ipc:///tmp/ksync-1.ipc", events[0].Detail["url"])
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, 1000, normalizeLimit(5000))
}

func TestMockStore_Kinds(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	require.NoError(t, m.AppendEvent(ctx, &Event{Kind: EventClientRegistered}))
	require.NoError(t, m.AppendEvent(ctx, &Event{Kind: EventServerShutdown}))
	assert.Equal(t, []EventKind{EventClientRegistered, EventServerShutdown}, m.Kinds())

	require.NoError(t, m.Close())
	assert.Error(t, m.AppendEvent(ctx, &Event{Kind: EventServerShutdown}))
}
