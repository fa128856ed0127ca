// Package config handles the deployment configuration for loom
// processes.
//
// Config is stored at $XDG_CONFIG_HOME/loom/config.yaml (defaults to
// ~/.config/loom/config.yaml). The deployment home itself can also be
// overridden per process with $LOOM_HOME.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"loom/journal"
)

// Config holds the knobs shared by the daemon and the CLI.
type Config struct {
	// Home is the deployment root holding every location's journals,
	// databases, and bus endpoints.
	Home string `yaml:"home,omitempty"`
	// PageSize is the journal page size in bytes (power of two).
	PageSize int `yaml:"page-size,omitempty"`
	// IntervalCheck is the master's interval-check cadence.
	IntervalCheck time.Duration `yaml:"interval-check,omitempty"`
	// DriftCheck enables the NTP clock drift checker.
	DriftCheck bool `yaml:"drift-check,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log-level,omitempty"`
}

// ResolvedHome is the effective deployment root.
func (c *Config) ResolvedHome() string {
	return journal.ResolveHome(c.Home)
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/loom/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "loom", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "loom", "config.yaml")
}

// Load reads the config file. If the file does not exist, an empty
// Config is returned (not an error).
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
