package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semgate.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semgate"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"

	// EnvNATSURL overrides the NATS server URL.
	EnvNATSURL = "SEMGATE_NATS_URL"
	// EnvRegistryURL overrides the registry base URL.
	EnvRegistryURL = "SEMGATE_REGISTRY_URL"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semgate/config.yaml)
// 3. Project config (semgate.yaml in current or parent directories)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	for _, path := range []string{l.userConfigPath(), l.findProjectConfig()} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			l.logger.Warn("Failed to read config layer",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		l.logger.Debug("Loaded config layer", slog.String("path", path))
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if url := os.Getenv(EnvNATSURL); url != "" {
		config.NATS.URL = url
		config.NATS.Embedded = false
	}
	if url := os.Getenv(EnvRegistryURL); url != "" {
		config.Registry.URL = url
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine user config path")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semgate.yaml in current and parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
