// Package config loads hub configuration from a YAML file. Secrets never
// live in the file: the master passphrase sealing session secrets at rest
// comes from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MasterKeyEnv is the environment variable holding the master passphrase.
const MasterKeyEnv = "NEURALLINK_MASTER_KEY"

// Duration wraps time.Duration so YAML fields accept Go duration strings
// ("30s", "5m") rather than raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the hub configuration.
type Config struct {
	// Hub identity.
	DeviceID string `yaml:"deviceId"`
	Name     string `yaml:"name"`

	// Addr is the peer address the secure channel dials (host:port).
	Addr string `yaml:"addr"`

	// StorePath is the session database file.
	StorePath string `yaml:"storePath"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`

	// Discovery controls mDNS advertising.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Channel tunables. Zero values select protocol defaults.
	Channel ChannelConfig `yaml:"channel"`

	// PairingTTL bounds how long an issued pairing token stays valid.
	PairingTTL Duration `yaml:"pairingTtl"`
}

// DiscoveryConfig controls local-network advertising.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ChannelConfig mirrors the channel tunables in file form.
type ChannelConfig struct {
	HandshakeTimeout  Duration `yaml:"handshakeTimeout"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	MaxMessageAge     Duration `yaml:"maxMessageAge"`
	MaxAttempts       int      `yaml:"maxAttempts"`
}

// Default returns a usable configuration for a hub with the given id.
func Default(deviceID string) *Config {
	return &Config{
		DeviceID:  deviceID,
		Name:      "neurallink-hub",
		StorePath: "neurallink.db",
		LogLevel:  "info",
		Discovery: DiscoveryConfig{Enabled: true, Port: 4873},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if c.StorePath == "" {
		return errors.New("storePath is required")
	}
	return nil
}

// MasterKey reads the master passphrase from the environment.
func MasterKey() (string, error) {
	key := os.Getenv(MasterKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s is not set", MasterKeyEnv)
	}
	return key, nil
}
