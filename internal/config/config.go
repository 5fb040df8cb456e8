// ABOUTME: Configuration loading and parsing for ksync-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/ksync/internal/master"
	"github.com/2389/ksync/internal/transport"
)

// Config represents the complete ksync-server configuration
type Config struct {
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Commands  CommandsConfig  `yaml:"commands"`
	Replay    ReplayConfig    `yaml:"replay"`
	Registry  RegistryConfig  `yaml:"registry"`
	Status    StatusConfig    `yaml:"status"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EndpointsConfig overrides the socket addresses. Unset addresses are laid
// out as ipc files under RuntimeDir.
type EndpointsConfig struct {
	RuntimeDir string `yaml:"runtime_dir"`
	Gateway    string `yaml:"gateway"`
	Relay      string `yaml:"relay"`
	Broadcast  string `yaml:"broadcast"`
	// Client must contain {id}.
	Client string `yaml:"client"`
}

// TimeoutsConfig holds socket timing
type TimeoutsConfig struct {
	Control     time.Duration `yaml:"-"`
	Poll        time.Duration `yaml:"-"`
	GatewayPoll time.Duration `yaml:"-"`
	Relay       time.Duration `yaml:"-"`
	Shutdown    time.Duration `yaml:"-"`

	HandshakeAttempts int `yaml:"handshake_attempts"`

	// Raw string values for YAML unmarshaling
	ControlRaw     string `yaml:"control"`
	PollRaw        string `yaml:"poll"`
	GatewayPollRaw string `yaml:"gateway_poll"`
	RelayRaw       string `yaml:"relay"`
	ShutdownRaw    string `yaml:"shutdown"`
}

// CommandsConfig controls how ExecuteCommand requests run
type CommandsConfig struct {
	Shell      string        `yaml:"shell"`
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// ReplayConfig sizes the cache of command outputs kept for retransmitted
// requests. A ttl of 0 disables it.
type ReplayConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
	Size   int           `yaml:"size"`
}

// RegistryConfig holds client registry behaviour
type RegistryConfig struct {
	EvictOnError bool `yaml:"evict_on_error"`
}

// StatusConfig holds status server addresses. Empty disables the listener.
type StatusConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds ledger configuration. Empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration, shared by server and client.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// Output is stdout, file or both.
	Output     string `yaml:"output" toml:"output"`
	Dir        string `yaml:"dir" toml:"dir"`
	MaxSizeMB  int    `yaml:"max_size" toml:"max_size"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age" toml:"max_age"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Timeouts: TimeoutsConfig{
			HandshakeAttempts: 5,
			ControlRaw:        "1s",
			PollRaw:           "10ms",
			GatewayPollRaw:    "1s",
			RelayRaw:          "5s",
			ShutdownRaw:       "5s",
		},
		Commands: CommandsConfig{TimeoutRaw: "1m"},
		Replay:   ReplayConfig{TTLRaw: "5m", Size: 1024},
		Status:   StatusConfig{HTTPAddr: "127.0.0.1:7480", GRPCAddr: "127.0.0.1:7481"},
		Logging:  DefaultLogging(),
	}
	// The raw values above always parse.
	_ = parseDurations(cfg)
	return cfg
}

// DefaultLogging returns console logging at info level.
func DefaultLogging() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "text",
		Output:     "stdout",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if _, err := c.Endpoints.Resolve(); err != nil {
		return err
	}

	switch {
	case c.Timeouts.Control <= 0:
		return fmt.Errorf("timeouts.control must be positive")
	case c.Timeouts.Poll <= 0:
		return fmt.Errorf("timeouts.poll must be positive")
	case c.Timeouts.GatewayPoll <= 0:
		return fmt.Errorf("timeouts.gateway_poll must be positive")
	case c.Timeouts.Relay <= 0:
		return fmt.Errorf("timeouts.relay must be positive")
	case c.Timeouts.Shutdown <= 0:
		return fmt.Errorf("timeouts.shutdown must be positive")
	case c.Timeouts.HandshakeAttempts <= 0:
		return fmt.Errorf("timeouts.handshake_attempts must be positive")
	case c.Commands.Timeout < 0:
		return fmt.Errorf("commands.timeout must not be negative")
	case c.Replay.TTL < 0:
		return fmt.Errorf("replay.ttl must not be negative")
	case c.Replay.TTL > 0 && c.Replay.Size <= 0:
		return fmt.Errorf("replay.size must be positive when replay is enabled")
	}

	return c.Logging.Validate()
}

// Validate checks the logging section.
func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", l.Format)
	}
	switch l.Output {
	case "stdout":
	case "file", "both":
		if l.Dir == "" {
			return fmt.Errorf("logging.dir is required when logging.output is %s", l.Output)
		}
	default:
		return fmt.Errorf("logging.output %q must be stdout, file or both", l.Output)
	}
	return nil
}

// Resolve fills unset addresses from the runtime directory layout.
func (e EndpointsConfig) Resolve() (transport.Endpoints, error) {
	dir := e.RuntimeDir
	if dir == "" {
		dir = transport.RuntimeDir()
	}
	eps := transport.IPCEndpoints(dir)
	if e.Gateway != "" {
		eps.Gateway = e.Gateway
	}
	if e.Relay != "" {
		eps.Relay = e.Relay
	}
	if e.Broadcast != "" {
		eps.Broadcast = e.Broadcast
	}
	if e.Client != "" {
		eps.ClientTemplate = e.Client
	}
	if err := eps.Validate(); err != nil {
		return transport.Endpoints{}, fmt.Errorf("endpoints: %w", err)
	}
	return eps, nil
}

// MasterConfig converts the file settings into a master configuration.
func (c *Config) MasterConfig() (master.Config, error) {
	eps, err := c.Endpoints.Resolve()
	if err != nil {
		return master.Config{}, err
	}
	return master.Config{
		Endpoints:          eps,
		ControlTimeout:     c.Timeouts.Control,
		PollTimeout:        c.Timeouts.Poll,
		GatewayPollTimeout: c.Timeouts.GatewayPoll,
		RelayTimeout:       c.Timeouts.Relay,
		HandshakeAttempts:  c.Timeouts.HandshakeAttempts,
		ShutdownTimeout:    c.Timeouts.Shutdown,
		EvictOnError:       c.Registry.EvictOnError,
		ReplayTTL:          c.Replay.TTL,
		ReplaySize:         c.Replay.Size,
	}, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.control", cfg.Timeouts.ControlRaw, &cfg.Timeouts.Control},
		{"timeouts.poll", cfg.Timeouts.PollRaw, &cfg.Timeouts.Poll},
		{"timeouts.gateway_poll", cfg.Timeouts.GatewayPollRaw, &cfg.Timeouts.GatewayPoll},
		{"timeouts.relay", cfg.Timeouts.RelayRaw, &cfg.Timeouts.Relay},
		{"timeouts.shutdown", cfg.Timeouts.ShutdownRaw, &cfg.Timeouts.Shutdown},
		{"commands.timeout", cfg.Commands.TimeoutRaw, &cfg.Commands.Timeout},
		{"replay.ttl", cfg.Replay.TTLRaw, &cfg.Replay.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
