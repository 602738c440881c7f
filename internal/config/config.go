// Package config loads gateway configuration from a YAML file with
// environment variable overrides. Environment wins over file, file wins
// over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
	// Tokens maps bearer tokens to participant IDs. Token issuance is
	// external; the gateway only verifies the binding.
	Tokens map[string]string `yaml:"tokens"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type GatewayConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	MaxMessageSizeBytes int `yaml:"max_message_size_bytes"`
	MaxSpaces           int `yaml:"max_spaces"`            // 0 = unlimited
	MaxClientsPerSpace  int `yaml:"max_clients_per_space"` // 0 = unlimited
	MaxHistorySize      int `yaml:"max_history_size"`
	// EvictDuplicates selects the duplicate-participant policy: evict the
	// prior connection (default) or reject the new one.
	EvictDuplicates bool `yaml:"evict_duplicate_participants"`
}

type LoggingConfig struct {
	// Enabled is the master switch for both audit logs.
	Enabled                    bool   `yaml:"gateway_logging_enabled"`
	EnvelopeHistoryEnabled     bool   `yaml:"envelope_history_enabled"`
	CapabilityDecisionsEnabled bool   `yaml:"capability_decisions_enabled"`
	Dir                        string `yaml:"log_dir"`
}

type RedisConfig struct {
	// Addr enables the observe-only audit mirror when non-empty.
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"channel_prefix"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8080"},
		Gateway: GatewayConfig{
			HeartbeatIntervalMs: 30000,
			MaxMessageSizeBytes: 1 << 20,
			MaxHistorySize:      1000,
			EvictDuplicates:     true,
		},
		Logging: LoggingConfig{
			Enabled:                    true,
			EnvelopeHistoryEnabled:     true,
			CapabilityDecisionsEnabled: true,
			Dir:                        "./logs",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Host, "MEW_HOST")
	setString(&c.Server.Port, "MEW_PORT", "PORT")
	setInt(&c.Gateway.HeartbeatIntervalMs, "MEW_HEARTBEAT_INTERVAL_MS")
	setInt(&c.Gateway.MaxMessageSizeBytes, "MEW_MAX_MESSAGE_SIZE_BYTES")
	setInt(&c.Gateway.MaxSpaces, "MEW_MAX_SPACES")
	setInt(&c.Gateway.MaxClientsPerSpace, "MEW_MAX_CLIENTS_PER_SPACE")
	setInt(&c.Gateway.MaxHistorySize, "MEW_MAX_HISTORY_SIZE")
	setBool(&c.Gateway.EvictDuplicates, "MEW_EVICT_DUPLICATE_PARTICIPANTS")
	setBool(&c.Logging.Enabled, "MEW_GATEWAY_LOGGING_ENABLED")
	setBool(&c.Logging.EnvelopeHistoryEnabled, "MEW_ENVELOPE_HISTORY_ENABLED")
	setBool(&c.Logging.CapabilityDecisionsEnabled, "MEW_CAPABILITY_DECISIONS_ENABLED")
	setString(&c.Logging.Dir, "MEW_LOG_DIR")
	setString(&c.Redis.Addr, "MEW_REDIS_ADDR")
	setString(&c.Redis.Prefix, "MEW_REDIS_CHANNEL_PREFIX")
}

func (c *Config) validate() error {
	if c.Gateway.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", c.Gateway.HeartbeatIntervalMs)
	}
	if c.Gateway.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("max_message_size_bytes must be positive, got %d", c.Gateway.MaxMessageSizeBytes)
	}
	if c.Gateway.MaxHistorySize <= 0 {
		return fmt.Errorf("max_history_size must be positive, got %d", c.Gateway.MaxHistorySize)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Gateway.HeartbeatIntervalMs) * time.Millisecond
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
