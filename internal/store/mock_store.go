// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests and store-less servers to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []Event
	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// AppendEvent stores a copy of e.
func (m *MockStore) AppendEvent(ctx context.Context, e *Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock store closed")
	}
	m.events = append(m.events, *e)
	return nil
}

// ListEvents applies the filter the same way the SQLite store does.
func (m *MockStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Event{}
	for _, e := range m.events {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.ClientID != nil && e.ClientID != *f.ClientID {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Kinds returns the kinds of all stored events in append order.
func (m *MockStore) Kinds() []EventKind {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := make([]EventKind, len(m.events))
	for i, e := range m.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Close marks the store closed; later appends fail.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
