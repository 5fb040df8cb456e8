// ABOUTME: Ledger event append and query methods for the SQLite store.
// ABOUTME: Events are immutable; listing returns newest first with optional filters.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so text comparison in SQL orders chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendEvent appends e to the ledger. Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO events (event_id, kind, client_id, message_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	// client ids use the full u64 range; sqlite integers are signed
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		int64(e.ClientID),
		int64(e.MessageID),
		e.Timestamp.UTC().Format(tsLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event",
		"id", e.ID,
		"kind", e.Kind,
		"client_id", e.ClientID,
	)
	return nil
}

const listEventsQuery = `
	SELECT event_id, kind, client_id, message_id, ts, detail_json
	FROM events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR client_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var sinceStr, untilStr, kindStr *string
	var clientID *int64
	if f.Since != nil {
		v := f.Since.UTC().Format(tsLayout)
		sinceStr = &v
	}
	if f.Until != nil {
		v := f.Until.UTC().Format(tsLayout)
		untilStr = &v
	}
	if f.Kind != nil {
		v := string(*f.Kind)
		kindStr = &v
	}
	if f.ClientID != nil {
		v := int64(*f.ClientID)
		clientID = &v
	}

	rows, err := s.db.QueryContext(ctx, listEventsQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		kindStr, kindStr,
		clientID, clientID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var kind, ts string
	var clientID, messageID int64
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &kind, &clientID, &messageID, &ts, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning event: %w", err)
	}

	e.Kind = EventKind(kind)
	e.ClientID = uint64(clientID)
	e.MessageID = uint16(messageID)

	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
