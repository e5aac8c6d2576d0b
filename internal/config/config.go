// ABOUTME: Configuration loading and parsing for the fleet server and admin tools
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/fleet/internal/instance"
)

// Config represents the complete fleet configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Network  NetworkConfig  `yaml:"network" toml:"network"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// InstanceID is this server's identity. A fresh one is used per run when
	// unset.
	InstanceID string `yaml:"instance_id,omitempty" toml:"instance_id"`
}

// DatabaseConfig selects where realm stores live.
type DatabaseConfig struct {
	// Storage is the directory holding one file per realm.
	Storage string `yaml:"storage" toml:"storage"`
	// Ephemeral keeps every realm in memory and ignores Storage.
	Ephemeral bool `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" toml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw string `yaml:"session_ttl" toml:"session_ttl"`
}

// NetworkConfig holds connection tracking configuration
type NetworkConfig struct {
	StaleAfter time.Duration `yaml:"-" toml:"-"`

	StaleAfterRaw string `yaml:"stale_after" toml:"stale_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

const (
	defaultHTTPAddr   = "127.0.0.1:8080"
	defaultSessionTTL = "24h"
	defaultStaleAfter = "90s"

	minSecretLength = 32
)

// Default returns a runnable configuration backed by ephemeral storage.
func Default() *Config {
	cfg := base()
	cfg.Database.Ephemeral = true
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func base() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: defaultHTTPAddr},
		Auth:   AuthConfig{SessionTTLRaw: defaultSessionTTL},
		Network: NetworkConfig{
			StaleAfterRaw: defaultStaleAfter,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := base()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
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

// Save writes the configuration as YAML, keeping durations in their raw form.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Server.InstanceID != "" {
		id, err := instance.ParseID(c.Server.InstanceID)
		if err != nil {
			return fmt.Errorf("server.instance_id: %w", err)
		}
		if !id.IsServer() {
			return fmt.Errorf("server.instance_id %s is not a server instance", id)
		}
	}

	if !c.Database.Ephemeral && c.Database.Storage == "" {
		return fmt.Errorf("database.storage is required unless database.ephemeral is set")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}

	if c.Auth.SessionTTL < 0 {
		return fmt.Errorf("auth.session_ttl must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.SessionTTLRaw != "" {
		cfg.Auth.SessionTTL, err = time.ParseDuration(cfg.Auth.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_ttl %q: %w", cfg.Auth.SessionTTLRaw, err)
		}
	}

	if cfg.Network.StaleAfterRaw != "" {
		cfg.Network.StaleAfter, err = time.ParseDuration(cfg.Network.StaleAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_after %q: %w", cfg.Network.StaleAfterRaw, err)
		}
	}

	return nil
}
