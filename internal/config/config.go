package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all rulepolicy configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Rule policy hyperparameters
	Policy PolicyConfig `yaml:"policy"`

	// Training run settings
	Training TrainingConfig `yaml:"training"`

	// Persistence of trained lookup tables
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Metrics export
	Metrics MetricsConfig `yaml:"metrics"`
}

// PolicyConfig configures the rule policy.
type PolicyConfig struct {
	Priority                 int     `yaml:"priority"`
	CoreFallbackThreshold    float64 `yaml:"core_fallback_threshold"`
	CoreFallbackActionName   string  `yaml:"core_fallback_action_name"`
	EnableFallbackPrediction bool    `yaml:"enable_fallback_prediction"`
	RestrictRules            bool    `yaml:"restrict_rules"`
	CheckForContradictions   bool    `yaml:"check_for_contradictions"`
}

// TrainingConfig configures training runs.
type TrainingConfig struct {
	// Workers bounds the parallel contradiction pass.
	Workers  int    `yaml:"workers"`
	ModelDir string `yaml:"model_dir"`
}

// StoreConfig configures the SQLite run store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	Enabled      bool   `yaml:"enabled"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Textfile is a node-exporter textfile path; empty disables export.
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "rulepolicy",
		Version: "1.0.0",

		Policy: PolicyConfig{
			Priority:                 6,
			CoreFallbackThreshold:    0.3,
			CoreFallbackActionName:   "action_default_fallback",
			EnableFallbackPrediction: true,
			RestrictRules:            true,
			CheckForContradictions:   true,
		},

		Training: TrainingConfig{
			Workers:  4,
			ModelDir: "models",
		},

		Store: StoreConfig{
			DatabasePath: "data/rulepolicy.db",
			Enabled:      true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("RULEPOLICY_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if level := os.Getenv("RULEPOLICY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("RULEPOLICY_MODEL_DIR"); dir != "" {
		c.Training.ModelDir = dir
	}
	// Unparseable thresholds are ignored
	if raw := os.Getenv("RULEPOLICY_FALLBACK_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Policy.CoreFallbackThreshold = v
		}
	}
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Policy.CoreFallbackThreshold < 0 || c.Policy.CoreFallbackThreshold > 1 {
		return fmt.Errorf("policy.core_fallback_threshold must be within [0, 1], got %v", c.Policy.CoreFallbackThreshold)
	}
	if c.Policy.CoreFallbackActionName == "" {
		return fmt.Errorf("policy.core_fallback_action_name must not be empty")
	}
	if c.Training.Workers < 1 {
		return fmt.Errorf("training.workers must be at least 1, got %d", c.Training.Workers)
	}
	if c.Store.Enabled && c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path must be set when the store is enabled")
	}

	validLevel := false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid logging level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s (valid: text, json)", c.Logging.Format)
	}

	return nil
}

// IsStoreEnabled returns whether trained tables are recorded in SQLite.
func (c *Config) IsStoreEnabled() bool {
	return c.Store.Enabled && c.Store.DatabasePath != ""
}

// IsMetricsExportEnabled returns whether metrics are written to a textfile.
func (c *Config) IsMetricsExportEnabled() bool {
	return c.Metrics.Textfile != ""
}
