// Package config provides configuration loading and management for Semgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semgate/governor"
	"github.com/c360studio/semgate/reconcile"
)

// Config represents the complete Semgate configuration.
type Config struct {
	Governor  governor.Config  `yaml:"governor"`
	Reconcile reconcile.Config `yaml:"reconcile"`
	Registry  RegistryConfig   `yaml:"registry"`
	NATS      NATSConfig       `yaml:"nats"`
	HTTP      HTTPConfig       `yaml:"http"`
}

// RegistryConfig configures the external entity registry client.
type RegistryConfig struct {
	// URL is the registry base URL.
	URL string `yaml:"url"`
	// Timeout is the per-request timeout for registry calls.
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded
	// server (empty = server default)
	StoreDir string `yaml:"store_dir"`
}

// HTTPConfig configures the review API server.
type HTTPConfig struct {
	// Addr is the listen address for the review API and /metrics.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Governor:  governor.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		Registry: RegistryConfig{
			URL:     "http://localhost:8100",
			Timeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		HTTP: HTTPConfig{
			Addr: ":8090",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Governor.Validate(); err != nil {
		return fmt.Errorf("governor: %w", err)
	}
	if err := c.Reconcile.Validate(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if c.Registry.URL == "" {
		return fmt.Errorf("registry.url is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when embedded is disabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
