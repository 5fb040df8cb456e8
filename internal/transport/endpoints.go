// ABOUTME: Endpoint layout: where the gateway, relay, broadcast and per-client sockets live.
// ABOUTME: Local endpoints are ipc files under a per-user runtime directory.

package transport

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// ClientIDPlaceholder is replaced by the decimal client id in Endpoints.ClientTemplate.
const ClientIDPlaceholder = "{id}"

// DefaultRelayURL is the in-process channel between the master and its gateway.
const DefaultRelayURL = "inproc://gateway_thread"

// Endpoints names every address the server binds.
type Endpoints struct {
	Gateway        string
	Relay          string
	Broadcast      string
	ClientTemplate string
}

// Client returns the dedicated endpoint for a client id.
func (e Endpoints) Client(id uint64) string {
	return strings.ReplaceAll(e.ClientTemplate, ClientIDPlaceholder, strconv.FormatUint(id, 10))
}

// Validate checks that every endpoint is set and client endpoints are distinct per id.
func (e Endpoints) Validate() error {
	switch {
	case e.Gateway == "":
		return fmt.Errorf("gateway endpoint is required")
	case e.Relay == "":
		return fmt.Errorf("relay endpoint is required")
	case e.Broadcast == "":
		return fmt.Errorf("broadcast endpoint is required")
	case !strings.Contains(e.ClientTemplate, ClientIDPlaceholder):
		return fmt.Errorf("client endpoint template %q must contain %s", e.ClientTemplate, ClientIDPlaceholder)
	}
	return nil
}

// IPCEndpoints lays out ipc endpoints under dir.
func IPCEndpoints(dir string) Endpoints {
	return Endpoints{
		Gateway:        "ipc://" + filepath.Join(dir, "ksync-connect.ipc"),
		Relay:          DefaultRelayURL,
		Broadcast:      "ipc://" + filepath.Join(dir, "ksync-broadcast.ipc"),
		ClientTemplate: "ipc://" + filepath.Join(dir, "ksync-"+ClientIDPlaceholder+".ipc"),
	}
}

// MemoryEndpoints lays out hub endpoints under a name prefix.
func MemoryEndpoints(prefix string) Endpoints {
	return Endpoints{
		Gateway:        "mem://" + prefix + "/connect",
		Relay:          "mem://" + prefix + "/gateway_thread",
		Broadcast:      "mem://" + prefix + "/broadcast",
		ClientTemplate: "mem://" + prefix + "/client-" + ClientIDPlaceholder,
	}
}

// RuntimeDir returns the per-user socket directory: $XDG_RUNTIME_DIR/ksync
// when set, otherwise <tmp>/<user>/ksync.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ksync")
	}
	return filepath.Join(os.TempDir(), currentUser(), "ksync")
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "ksync"
}
