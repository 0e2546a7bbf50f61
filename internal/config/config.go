// Package config provides configuration loading for conduct.
//
// Configuration is loaded from an optional YAML file overridden by
// environment variables. Agent credentials and endpoints are opaque:
// they are read once at startup and handed to phase handlers without
// interpretation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the complete conduct configuration.
type Config struct {
	State         StateConfig         `koanf:"state"`
	Workspace     WorkspaceConfig     `koanf:"workspace"`
	Discovery     DiscoveryConfig     `koanf:"discovery"`
	Agent         AgentConfig         `koanf:"agent"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// StateConfig selects the state store backend.
type StateConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `koanf:"backend"`

	// Dir is the state root: live documents and checkpoints for the
	// file backend, the database file for sqlite.
	Dir string `koanf:"dir"`
}

// WorkspaceConfig describes the working tree phases operate on.
type WorkspaceConfig struct {
	Root string `koanf:"root"`

	// CommitEnabled turns per-batch aggregated commits on. Requires
	// the root to be under version control.
	CommitEnabled bool   `koanf:"commit_enabled"`
	AuthorName    string `koanf:"author_name"`
	AuthorEmail   string `koanf:"author_email"`
}

// DiscoveryConfig configures the artifact discovery service.
type DiscoveryConfig struct {
	// HistoryPath is the pattern database location. Empty disables
	// the informed level.
	HistoryPath string `koanf:"history_path"`
	MaxItems    int    `koanf:"max_items"`
}

// AgentConfig configures external agent handlers.
type AgentConfig struct {
	// Token and Endpoint are passed through to agent processes
	// untouched.
	Token    Secret `koanf:"token"`
	Endpoint string `koanf:"endpoint"`

	// RatePerSecond and Burst bound agent spawn frequency.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`

	// LogDir is where raw agent output is captured.
	LogDir string `koanf:"log_dir"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// Load loads configuration from environment variables with defaults.
// It is LoadWithFile without a config file.
//
// Environment variables map to config sections by splitting at the
// first underscore after the prefix (CONDUCT_STATE_BACKEND maps to
// state.backend):
//   - CONDUCT_STATE_BACKEND: state store backend, file or sqlite (default: file)
//   - CONDUCT_STATE_DIR: state root directory (default: ~/.local/share/conduct)
//   - CONDUCT_WORKSPACE_ROOT: working tree root (default: current directory)
//   - CONDUCT_WORKSPACE_COMMIT_ENABLED: per-batch commits (default: true)
//   - CONDUCT_DISCOVERY_HISTORY_PATH: pattern database path (default: <state dir>/discovery)
//   - CONDUCT_AGENT_TOKEN: opaque agent credential
//   - CONDUCT_AGENT_ENDPOINT: opaque agent endpoint
//   - CONDUCT_AGENT_RATE_PER_SECOND: agent spawn rate (default: 1)
//   - CONDUCT_LOGGING_LEVEL: log level (default: info)
//   - CONDUCT_LOGGING_FORMAT: json or console (default: json)
//   - CONDUCT_OBSERVABILITY_ENABLE_TELEMETRY: telemetry toggle (default: false)
//   - CONDUCT_OBSERVABILITY_SERVICE_NAME: reported service name (default: conduct)
func Load() (*Config, error) {
	return LoadWithFile("")
}

// applyDefaults fills values derived from other fields. Static defaults
// come from the defaults document the loader applies first.
func applyDefaults(cfg *Config) {
	if cfg.State.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.State.Dir = filepath.Join(home, ".local", "share", "conduct")
		} else {
			cfg.State.Dir = ".conduct"
		}
	}
	if cfg.Discovery.HistoryPath == "" {
		cfg.Discovery.HistoryPath = filepath.Join(cfg.State.Dir, "discovery")
	}
	if cfg.Agent.LogDir == "" {
		cfg.Agent.LogDir = filepath.Join(cfg.State.Dir, "logs")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid state backend %q (must be file or sqlite)", c.State.Backend)
	}
	if c.State.Dir == "" {
		return errors.New("state directory is required")
	}
	if c.Workspace.Root == "" {
		return errors.New("workspace root is required")
	}
	if c.Agent.RatePerSecond <= 0 {
		return errors.New("agent rate must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q (must be json or console)", c.Logging.Format)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
