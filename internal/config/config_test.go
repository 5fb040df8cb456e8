// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "server.yaml", `
endpoints:
  runtime_dir: "/run/ksync-test"
  relay: "inproc://relay"

timeouts:
  control: "2s"
  poll: "5ms"
  gateway_poll: "500ms"
  relay: "3s"
  shutdown: "10s"
  handshake_attempts: 7

commands:
  shell: "/bin/bash"
  timeout: "30s"

replay:
  ttl: "1m"
  size: 64

registry:
  evict_on_error: true

status:
  http_addr: "0.0.0.0:9000"
  grpc_addr: ""

database:
  path: "./ledger.db"

logging:
  level: "debug"
  format: "json"
  output: "both"
  dir: "/var/log/ksync"
  max_size: 10
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Timeouts.Control != 2*time.Second {
		t.Errorf("Timeouts.Control = %v, want 2s", cfg.Timeouts.Control)
	}
	if cfg.Timeouts.Poll != 5*time.Millisecond {
		t.Errorf("Timeouts.Poll = %v, want 5ms", cfg.Timeouts.Poll)
	}
	if cfg.Timeouts.HandshakeAttempts != 7 {
		t.Errorf("Timeouts.HandshakeAttempts = %d, want 7", cfg.Timeouts.HandshakeAttempts)
	}
	if cfg.Commands.Shell != "/bin/bash" || cfg.Commands.Timeout != 30*time.Second {
		t.Errorf("Commands = %+v", cfg.Commands)
	}
	if cfg.Replay.TTL != time.Minute || cfg.Replay.Size != 64 {
		t.Errorf("Replay = %+v", cfg.Replay)
	}
	if !cfg.Registry.EvictOnError {
		t.Error("Registry.EvictOnError = false, want true")
	}
	if cfg.Status.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Status.HTTPAddr = %q", cfg.Status.HTTPAddr)
	}
	if cfg.Status.GRPCAddr != "" {
		t.Errorf("Status.GRPCAddr = %q, want empty", cfg.Status.GRPCAddr)
	}
	if cfg.Database.Path != "./ledger.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./ledger.db")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "both" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Logging.MaxSizeMB != 10 || cfg.Logging.MaxBackups != 3 {
		t.Errorf("Logging rotation = %d/%d, want 10/3", cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	}

	mc, err := cfg.MasterConfig()
	if err != nil {
		t.Fatalf("MasterConfig() error = %v", err)
	}
	if mc.Endpoints.Gateway != "ipc:///run/ksync-test/ksync-connect.ipc" {
		t.Errorf("Endpoints.Gateway = %q", mc.Endpoints.Gateway)
	}
	if mc.Endpoints.Relay != "inproc://relay" {
		t.Errorf("Endpoints.Relay = %q", mc.Endpoints.Relay)
	}
	if mc.Endpoints.Client(42) != "ipc:///run/ksync-test/ksync-42.ipc" {
		t.Errorf("Endpoints.Client(42) = %q", mc.Endpoints.Client(42))
	}
	if mc.GatewayPollTimeout != 500*time.Millisecond || mc.RelayTimeout != 3*time.Second {
		t.Errorf("gateway timeouts = %v/%v", mc.GatewayPollTimeout, mc.RelayTimeout)
	}
	if mc.ShutdownTimeout != 10*time.Second || !mc.EvictOnError || mc.ReplaySize != 64 {
		t.Errorf("MasterConfig = %+v", mc)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	configPath := writeConfig(t, "server.yaml", `
database:
  path: "ledger.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Timeouts != def.Timeouts {
		t.Errorf("Timeouts = %+v, want defaults %+v", cfg.Timeouts, def.Timeouts)
	}
	if cfg.Replay.TTL != 5*time.Minute {
		t.Errorf("Replay.TTL = %v, want 5m", cfg.Replay.TTL)
	}
	if cfg.Logging != def.Logging {
		t.Errorf("Logging = %+v, want defaults", cfg.Logging)
	}
}

func TestLoad_ReplayDisabled(t *testing.T) {
	configPath := writeConfig(t, "server.yaml", `
replay:
  ttl: "0s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Replay.TTL != 0 {
		t.Errorf("Replay.TTL = %v, want 0", cfg.Replay.TTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("KSYNC_TEST_DB", "/data/ledger.db")
	t.Setenv("KSYNC_TEST_SHELL", "/bin/zsh")

	configPath := writeConfig(t, "server.yaml", `
database:
  path: "${KSYNC_TEST_DB}"
commands:
  shell: "${KSYNC_TEST_SHELL}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/data/ledger.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/data/ledger.db")
	}
	if cfg.Commands.Shell != "/bin/zsh" {
		t.Errorf("Commands.Shell = %q, want %q", cfg.Commands.Shell, "/bin/zsh")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/server.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Timeouts.Relay != 5*time.Second {
		t.Errorf("Timeouts.Relay = %v, want 5s", cfg.Timeouts.Relay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server.yaml", "timeouts: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "server.yaml", `
timeouts:
  relay: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "timeouts.relay") {
		t.Errorf("error = %v, want it to name timeouts.relay", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "client template without placeholder",
			mutate:  func(c *Config) { c.Endpoints.Client = "ipc:///tmp/ksync-client.ipc" },
			wantErr: "{id}",
		},
		{
			name:    "zero control timeout",
			mutate:  func(c *Config) { c.Timeouts.Control = 0 },
			wantErr: "timeouts.control",
		},
		{
			name:    "zero handshake attempts",
			mutate:  func(c *Config) { c.Timeouts.HandshakeAttempts = 0 },
			wantErr: "timeouts.handshake_attempts",
		},
		{
			name:    "replay without size",
			mutate:  func(c *Config) { c.Replay.Size = 0 },
			wantErr: "replay.size",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "file output without dir",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "logging.dir",
		},
		{
			name:    "unknown output",
			mutate:  func(c *Config) { c.Logging.Output = "syslog" },
			wantErr: "logging.output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("KSYNC_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${KSYNC_A}", "alpha"},
		{"x-${KSYNC_A}-${KSYNC_A}", "x-alpha-alpha"},
		{"${KSYNC_UNSET_FOR_TEST}", ""},
		{"$KSYNC_A", "$KSYNC_A"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPaths(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv(ServerConfigEnv, "/etc/ksync.yaml")
		t.Setenv(ClientConfigEnv, "/etc/ksync-client.toml")
		if got := ServerPath(); got != "/etc/ksync.yaml" {
			t.Errorf("ServerPath() = %q", got)
		}
		if got := ClientPath(); got != "/etc/ksync-client.toml" {
			t.Errorf("ClientPath() = %q", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(ServerConfigEnv, "")
		t.Setenv(ClientConfigEnv, "")
		t.Setenv("XDG_CONFIG_HOME", "/cfg")
		if got := ServerPath(); got != "/cfg/ksync/server.yaml" {
			t.Errorf("ServerPath() = %q", got)
		}
		if got := ClientPath(); got != "/cfg/ksync/client.toml" {
			t.Errorf("ClientPath() = %q", got)
		}
	})
}
