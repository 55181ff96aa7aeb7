// ABOUTME: Configuration loading and parsing for fleet-manager
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-manager configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Testing  TestingConfig  `yaml:"testing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	// ReturnTime is how long a polling agent is told to wait before
	// its next poll. ActiveThreshold is how recently an agent must
	// have polled to count as active in /status.
	ReturnTime      time.Duration `yaml:"-"`
	ActiveThreshold time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReturnTimeRaw      string `yaml:"return_time"`
	ActiveThresholdRaw string `yaml:"active_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TestingConfig controls the /testing debug routes
type TestingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults applied when the config file leaves them unset.
const (
	DefaultReturnTime      = 5 * time.Second
	DefaultActiveThreshold = 5 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	cfg.Agents.ReturnTime = DefaultReturnTime
	if cfg.Agents.ReturnTimeRaw != "" {
		cfg.Agents.ReturnTime, err = time.ParseDuration(cfg.Agents.ReturnTimeRaw)
		if err != nil {
			return fmt.Errorf("parsing return_time %q: %w", cfg.Agents.ReturnTimeRaw, err)
		}
	}

	cfg.Agents.ActiveThreshold = DefaultActiveThreshold
	if cfg.Agents.ActiveThresholdRaw != "" {
		cfg.Agents.ActiveThreshold, err = time.ParseDuration(cfg.Agents.ActiveThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing active_threshold %q: %w", cfg.Agents.ActiveThresholdRaw, err)
		}
	}

	return nil
}
