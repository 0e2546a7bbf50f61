package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// defaultConfigYAML holds the static defaults, loaded before the file
// and environment so either can override them. Path defaults derived
// from the state dir are filled afterwards by applyDefaults.
const defaultConfigYAML = `
state:
  backend: file
workspace:
  root: .
  commit_enabled: true
  author_name: conduct
  author_email: conduct@localhost
discovery:
  max_items: 100
agent:
  rate_per_second: 1.0
  burst: 2
logging:
  level: info
  format: json
observability:
  enable_telemetry: false
  service_name: conduct
`

// LoadWithFile loads configuration from a YAML file, then overrides
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CONDUCT_STATE_BACKEND, CONDUCT_AGENT_TOKEN, ...)
//  2. YAML config file
//  3. Built-in defaults
//
// An empty configPath skips the file and loads from environment only.
// Config files holding agent credentials must have 0600 or 0400
// permissions; weaker permissions are rejected.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultConfigYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			// Open once and validate through the descriptor to avoid a
			// TOCTOU race between the stat and the read.
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if err := validateConfigFileProperties(info); err != nil {
				return nil, fmt.Errorf("config file validation failed: %w", err)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// Environment variables override the file. CONDUCT_STATE_BACKEND
	// maps to state.backend, CONDUCT_AGENT_RATE_PER_SECOND to
	// agent.rate_per_second: first underscore separates section from
	// field.
	if err := k.Load(env.Provider("CONDUCT_", ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, "CONDUCT_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	// Skip the permission check on Windows (different permission model).
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
