// ABOUTME: Configuration loading for ksync-client
// ABOUTME: Loads TOML config with environment variable expansion, falling back to defaults

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/ksync/internal/client"
	"github.com/2389/ksync/internal/transport"
)

type ClientConfig struct {
	Gateway  ClientGatewayConfig  `toml:"gateway"`
	Requests ClientRequestsConfig `toml:"requests"`
	Logging  LoggingConfig        `toml:"logging"`
}

type ClientGatewayConfig struct {
	// URL defaults to the gateway endpoint under RuntimeDir.
	URL        string `toml:"url"`
	RuntimeDir string `toml:"runtime_dir"`
	Timeout    string `toml:"timeout"`
}

type ClientRequestsConfig struct {
	Timeout     string `toml:"timeout"`
	Retries     int    `toml:"retries"`
	MaxAttempts int    `toml:"max_attempts"`
}

// DefaultClient returns the client configuration used when no file exists.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Gateway:  ClientGatewayConfig{Timeout: "20s"},
		Requests: ClientRequestsConfig{Timeout: "5s", Retries: 2, MaxAttempts: 8},
		Logging:  DefaultLogging(),
	}
}

// LoadClient reads the client config at path, expanding environment
// variables. A missing file yields DefaultClient.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultClient(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultClient()
	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks that config fields are present and valid.
func (c *ClientConfig) Validate() error {
	if c.Gateway.URL != "" && !strings.Contains(c.Gateway.URL, "://") {
		return fmt.Errorf("gateway.url %q must include a transport scheme", c.Gateway.URL)
	}
	if _, err := positiveDuration("gateway.timeout", c.Gateway.Timeout); err != nil {
		return err
	}
	if _, err := positiveDuration("requests.timeout", c.Requests.Timeout); err != nil {
		return err
	}
	if c.Requests.Retries < 0 {
		return fmt.Errorf("requests.retries must not be negative")
	}
	if c.Requests.MaxAttempts <= 0 {
		return fmt.Errorf("requests.max_attempts must be positive")
	}
	return c.Logging.Validate()
}

// GatewayURL returns the configured gateway address or the default ipc one.
func (c *ClientConfig) GatewayURL() string {
	if c.Gateway.URL != "" {
		return c.Gateway.URL
	}
	dir := c.Gateway.RuntimeDir
	if dir == "" {
		dir = transport.RuntimeDir()
	}
	return transport.IPCEndpoints(dir).Gateway
}

// Options converts the file settings into dial options. Call after Validate.
func (c *ClientConfig) Options(logger *slog.Logger) client.Options {
	gatewayTimeout, _ := positiveDuration("gateway.timeout", c.Gateway.Timeout)
	requestTimeout, _ := positiveDuration("requests.timeout", c.Requests.Timeout)

	retries := c.Requests.Retries
	if retries == 0 {
		// client.Options treats zero as "use the default".
		retries = -1
	}
	return client.Options{
		GatewayTimeout: gatewayTimeout,
		MaxAttempts:    c.Requests.MaxAttempts,
		RequestTimeout: requestTimeout,
		Retries:        retries,
		Logger:         logger,
	}
}

func positiveDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}
