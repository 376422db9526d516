// Package config handles loading, defaulting, and validating the
// ContextGuard policy document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for optional policy fields.
const (
	DefaultMaxToolCallsPerMinute = 30
	DefaultAlertThreshold        = 5
	DefaultLogPath               = "mcp_security.log"
)

// Config is the recognized policy document. Every field is optional; zero
// values are filled in by ApplyDefaults. The detection toggles are pointers
// so that an absent field defaults to true while an explicit false sticks.
type Config struct {
	MaxToolCallsPerMinute          int      `json:"maxToolCallsPerMinute" yaml:"maxToolCallsPerMinute"`
	BlockedPatterns                []string `json:"blockedPatterns" yaml:"blockedPatterns"`
	AllowedFilePaths               []string `json:"allowedFilePaths" yaml:"allowedFilePaths"`
	AlertThreshold                 int      `json:"alertThreshold" yaml:"alertThreshold"`
	EnablePromptInjectionDetection *bool    `json:"enablePromptInjectionDetection" yaml:"enablePromptInjectionDetection"`
	EnableSensitiveDataDetection   *bool    `json:"enableSensitiveDataDetection" yaml:"enableSensitiveDataDetection"`
	LogPath                        string   `json:"logPath" yaml:"logPath"`
}

// PromptInjectionEnabled reports whether the prompt-injection bank is active.
// Defaults to true when the field is absent.
func (c *Config) PromptInjectionEnabled() bool {
	return c.EnablePromptInjectionDetection == nil || *c.EnablePromptInjectionDetection
}

// SensitiveDataEnabled reports whether the sensitive-data bank is active.
// Defaults to true when the field is absent.
func (c *Config) SensitiveDataEnabled() bool {
	return c.EnableSensitiveDataDetection == nil || *c.EnableSensitiveDataDetection
}

// Defaults returns a config with every field at its default value.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-value fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxToolCallsPerMinute <= 0 {
		c.MaxToolCallsPerMinute = DefaultMaxToolCallsPerMinute
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = DefaultAlertThreshold
	}
	if c.LogPath == "" {
		c.LogPath = DefaultLogPath
	}
}

// Validate checks field values after defaulting.
func (c *Config) Validate() error {
	if c.MaxToolCallsPerMinute <= 0 {
		return fmt.Errorf("maxToolCallsPerMinute must be positive, got %d", c.MaxToolCallsPerMinute)
	}
	if c.AlertThreshold <= 0 {
		return fmt.Errorf("alertThreshold must be positive, got %d", c.AlertThreshold)
	}
	for _, p := range c.AllowedFilePaths {
		if p == "" {
			return fmt.Errorf("allowedFilePaths must not contain empty entries")
		}
	}
	return nil
}

// Load reads, parses, defaults, and validates a policy document. JSON is the
// primary format; files ending in .yaml or .yml are parsed as YAML with the
// same field names. A missing or malformed file is a fatal error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from caller
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// ParseRemote parses a policy document fetched from the remote store.
// Unlike Load it does not default or validate — the result is merged on top
// of an already-defaulted local config.
func ParseRemote(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing remote policy: %w", err)
	}
	return cfg, nil
}

// Merge overlays remote on top of local and returns the result. Remote wins
// for every field it sets: positive integers, non-nil sequences, non-nil
// booleans, and non-empty strings override the local value.
func Merge(local, remote *Config) *Config {
	if remote == nil {
		return local
	}
	merged := *local
	if remote.MaxToolCallsPerMinute > 0 {
		merged.MaxToolCallsPerMinute = remote.MaxToolCallsPerMinute
	}
	if remote.BlockedPatterns != nil {
		merged.BlockedPatterns = remote.BlockedPatterns
	}
	if remote.AllowedFilePaths != nil {
		merged.AllowedFilePaths = remote.AllowedFilePaths
	}
	if remote.AlertThreshold > 0 {
		merged.AlertThreshold = remote.AlertThreshold
	}
	if remote.EnablePromptInjectionDetection != nil {
		merged.EnablePromptInjectionDetection = remote.EnablePromptInjectionDetection
	}
	if remote.EnableSensitiveDataDetection != nil {
		merged.EnableSensitiveDataDetection = remote.EnableSensitiveDataDetection
	}
	if remote.LogPath != "" {
		merged.LogPath = remote.LogPath
	}
	return &merged
}
