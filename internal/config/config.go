// ABOUTME: Configuration loading and parsing for chatrelay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatrelay configuration
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Queue     QueueConfig     `yaml:"queue"`
	Templates TemplatesConfig `yaml:"templates"`
	Sync      SyncConfig      `yaml:"sync"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BackendConfig holds the chat backend endpoint and request defaults
type BackendConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	Model     string `yaml:"model"`
	AgentID   string `yaml:"agent_id"`
	Language  string `yaml:"language"`
	WebSearch bool   `yaml:"web_search"`
}

// QueueConfig holds offline queue storage and delivery tuning
type QueueConfig struct {
	Path        string  `yaml:"path"`
	MaxAttempts int     `yaml:"max_attempts"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	Burst       int     `yaml:"burst"`
}

// TemplatesConfig holds the reference template manifest location
type TemplatesConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

// SyncConfig holds background worker timing configuration
type SyncConfig struct {
	PollInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the file omitted.
func (c *Config) applyDefaults() {
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.RatePerSec == 0 {
		c.Queue.RatePerSec = 2
	}
	if c.Queue.Burst == 0 {
		c.Queue.Burst = 1
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend.model is required")
	}
	if c.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.RatePerSec <= 0 {
		return fmt.Errorf("queue.rate_per_sec must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sync.PollIntervalRaw != "" {
		cfg.Sync.PollInterval, err = time.ParseDuration(cfg.Sync.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Sync.PollIntervalRaw, err)
		}
	}

	return nil
}
