// ABOUTME: Store interface and data types for the ksync server ledger.
// ABOUTME: Records registrations, commands and shutdowns as an append-only event log.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// EventKind is what happened.
type EventKind string

const (
	EventClientRegistered  EventKind = "client_registered"
	EventClientRejected    EventKind = "client_rejected"
	EventClientEvicted     EventKind = "client_evicted"
	EventCommandExecuted   EventKind = "command_executed"
	EventCommandReplayed   EventKind = "command_replayed"
	EventShutdownRequested EventKind = "shutdown_requested"
	EventServerShutdown    EventKind = "server_shutdown"
)

// ValidEventKinds lists all event kinds the ledger accepts.
var ValidEventKinds = []EventKind{
	EventClientRegistered,
	EventClientRejected,
	EventClientEvicted,
	EventCommandExecuted,
	EventCommandReplayed,
	EventShutdownRequested,
	EventServerShutdown,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	for _, v := range ValidEventKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Event is one ledger entry.
type Event struct {
	ID        string         // UUID v4
	Kind      EventKind      // what happened
	ClientID  uint64         // 0 for server-wide events
	MessageID uint16         // triggering envelope, 0 if none
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context such as command text or exit code
}

// EventFilter specifies filtering options for listing events.
type EventFilter struct {
	Since    *time.Time // events at or after this time
	Until    *time.Time // events at or before this time
	Kind     *EventKind // filter by kind
	ClientID *uint64    // filter by client
	Limit    int        // max results (default 100, max 1000)
}

// Store is the ledger used by the master and the admin commands.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
