// Package config loads and persists the application configuration,
// including the identifier of the last connected device.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// LastDeviceID is the identifier of the last connected peripheral, in
	// UUID text form, or empty when no device has been selected yet.
	LastDeviceID string `yaml:"last_device_id"`
	LogLevel     string `yaml:"log_level"`
	// ScanSeconds bounds how long a device scan runs.
	ScanSeconds int `yaml:"scan_seconds"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pulselight")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		ScanSeconds: 10,
	}
}

// Load reads and parses a YAML config file. A missing file yields the
// defaults; missing fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.LastDeviceID != "" {
		if _, err := uuid.Parse(c.LastDeviceID); err != nil {
			return fmt.Errorf("last_device_id must be a UUID, got %q", c.LastDeviceID)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.ScanSeconds <= 0 {
		return fmt.Errorf("scan_seconds must be > 0")
	}

	return nil
}
