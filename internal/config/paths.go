// ABOUTME: Default config file locations for server and client.
// ABOUTME: Environment overrides first, then the XDG config directory.

package config

import (
	"os"
	"path/filepath"
)

const (
	ServerConfigEnv = "KSYNC_CONFIG"
	ClientConfigEnv = "KSYNC_CLIENT_CONFIG"
)

// ServerPath returns $KSYNC_CONFIG or <config dir>/ksync/server.yaml.
func ServerPath() string {
	return resolvePath(ServerConfigEnv, "server.yaml")
}

// ClientPath returns $KSYNC_CLIENT_CONFIG or <config dir>/ksync/client.toml.
func ClientPath() string {
	return resolvePath(ClientConfigEnv, "client.toml")
}

func resolvePath(env, name string) string {
	if path := os.Getenv(env); path != "" {
		return path
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ksync", name)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "ksync", name)
	}
	return name
}
