// ABOUTME: Registry of connected clients keyed by client id.
// ABOUTME: Owns each client's dedicated socket until the client is removed or the server stops.

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/ksync/internal/transport"
)

// ErrClientAlreadyRegistered indicates a client with the same id is connected.
var ErrClientAlreadyRegistered = errors.New("client already registered")

// ErrClientNotFound indicates the client id is not registered.
var ErrClientNotFound = errors.New("client not found")

// Client is a registered client and its dedicated socket.
type Client struct {
	ID           uint64
	URL          string
	Socket       transport.Socket
	RegisteredAt time.Time
}

// Info is the socket-free view of a client, safe to hand to other goroutines.
type Info struct {
	ID           uint64    `json:"client_id"`
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry maps client ids to clients. Ids are never reused while registered.
type Registry struct {
	clients map[uint64]*Client
	mu      sync.RWMutex
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[uint64]*Client),
		logger:  logger,
	}
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// Register adds c. Returns ErrClientAlreadyRegistered if its id is taken.
func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.ID]; exists {
		return ErrClientAlreadyRegistered
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now()
	}

	r.clients[c.ID] = c
	r.logger.Info("=== CLIENT CONNECTED ===",
		"client_id", c.ID,
		"url", c.URL,
		"total_clients", len(r.clients),
	)
	return nil
}

// Get returns the client registered under id.
func (r *Registry) Get(id uint64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove unregisters id and closes its socket.
func (r *Registry) Remove(id uint64) error {
	r.mu.Lock()
	c, exists := r.clients[id]
	if !exists {
		r.mu.Unlock()
		return ErrClientNotFound
	}
	delete(r.clients, id)
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("=== CLIENT DISCONNECTED ===",
		"client_id", id,
		"total_clients", total,
	)
	return c.Socket.Close()
}

// Snapshot returns the registered clients ordered by id. The slice is a copy;
// the clients are shared.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns Info for every registered client ordered by id.
func (r *Registry) List() []Info {
	clients := r.Snapshot()
	out := make([]Info, len(clients))
	for i, c := range clients {
		out[i] = Info{ID: c.ID, URL: c.URL, RegisteredAt: c.RegisteredAt}
	}
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every client socket and empties the registry. The first
// close error is returned.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[uint64]*Client)
	r.mu.Unlock()

	var firstErr error
	for id, c := range clients {
		if err := c.Socket.Close(); err != nil && firstErr == nil {
			firstErr = err
			r.logger.Warn("closing client socket", "client_id", id, "error", err)
		}
	}
	return firstErr
}
