// ABOUTME: HTTP handlers for health probes and the JSON status API.

package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/ksync/internal/gateway"
	"github.com/2389/ksync/internal/master"
	"github.com/2389/ksync/internal/store"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	master.Stats
	GatewayState string `json:"gateway_state"`
	Ready        bool   `json:"ready"`
}

// EventResponse is one entry of GET /api/events.
type EventResponse struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ClientID  uint64         `json:"client_id,omitempty"`
	MessageID uint16         `json:"message_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the gateway is serving.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.src.GatewayState()
	if !s.ready() || state != gateway.StateServing {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "gateway %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients)", len(s.src.Clients()))
}

func (s *Server) ready() bool {
	select {
	case <-s.src.Ready():
		return true
	default:
		return false
	}
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.src.Clients())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:        s.src.Stats(),
		GatewayState: s.src.GatewayState().String(),
		Ready:        s.ready(),
	})
}

// handleEvents handles GET /api/events?kind=&client_id=&since=&until=&limit=.
// since and until are RFC 3339 timestamps.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ledger == nil {
		sendJSONError(w, http.StatusNotFound, "ledger disabled")
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.ledger.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing events", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	resp := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, EventResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			ClientID:  e.ClientID,
			MessageID: e.MessageID,
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	var f store.EventFilter

	if v := q.Get("kind"); v != "" {
		kind := store.EventKind(v)
		if !kind.Valid() {
			return f, fmt.Errorf("invalid kind %q", v)
		}
		f.Kind = &kind
	}
	if v := q.Get("client_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid client_id %q", v)
		}
		f.ClientID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s %q", p.name, v)
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
