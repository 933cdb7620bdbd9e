// Package config handles configuration loading from YAML files, environment
// variables and command-line flags.
// Configuration precedence: CLI flags > environment variables > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Guliveer/toptle/internal/models"
)

// Mode is the explicit supervisor override.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePTY    Mode = "pty"
	ModeDirect Mode = "direct"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModePTY, ModeDirect:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q (valid: auto, pty, direct)", s)
	}
}

// Sentinel validation errors.
var (
	ErrInvalidInterval = errors.New("interval must be greater than zero")
	ErrEmptyMetrics    = errors.New("at least one metric is required")
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "2s" or "500ms". Bare numbers are seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := ParseSeconds(value.Value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ParseSeconds accepts either a Go duration ("1.5s") or a float number of
// seconds ("1.5").
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return parsed, nil
}

// Config holds the resolved run configuration. It is treated as immutable
// once Validate has succeeded.
type Config struct {
	Interval       Duration        `yaml:"interval"`
	Prefix         string          `yaml:"prefix"`
	Metrics        []models.Metric `yaml:"-"`
	MetricList     string          `yaml:"metrics"`
	Mode           Mode            `yaml:"mode"`
	FallbackDirect bool            `yaml:"fallback_direct"`
	ResetTitle     string          `yaml:"reset_title"`
	GracePeriod    Duration        `yaml:"grace_period"`
	Logging        LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    Duration{2 * time.Second},
		Prefix:      "📊",
		Metrics:     append([]models.Metric(nil), models.DefaultMetrics...),
		MetricList:  models.FormatMetrics(models.DefaultMetrics),
		Mode:        ModeAuto,
		ResetTitle:  "Terminal",
		GracePeriod: Duration{3 * time.Second},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Interval       time.Duration
	Prefix         *string
	Metrics        string
	Mode           Mode
	FallbackDirect bool
	LogLevel       string
	LogFile        string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > YAML file > defaults.
//
// An optional configPath argument controls file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value → use that path ("" means no file)
func LoadLayered(cli CLIOverrides, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cli.Interval != 0 {
		cfg.Interval = Duration{cli.Interval}
	}
	if cli.Prefix != nil {
		cfg.Prefix = *cli.Prefix
	}
	if cli.Metrics != "" {
		cfg.MetricList = cli.Metrics
	}
	if cli.Mode != "" {
		cfg.Mode = cli.Mode
	}
	if cli.FallbackDirect {
		cfg.FallbackDirect = true
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Logging.File = cli.LogFile
	}

	metrics, err := models.ParseMetrics(cfg.MetricList)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	cfg.Metrics = metrics

	return cfg, nil
}

// configHeader opens every file written by WriteConfig.
const configHeader = `# toptle configuration
# Precedence: command-line flags > TOPTLE_* environment > this file > defaults.
`

// WriteConfig saves the resolved configuration as a YAML file that LoadLayered
// reads back to the same values. Parent directories are created as needed and
// an existing file is replaced.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies TOPTLE_* environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TOPTLE_INTERVAL"); v != "" {
		d, err := ParseSeconds(v)
		if err != nil {
			return fmt.Errorf("TOPTLE_INTERVAL: %w", err)
		}
		cfg.Interval = Duration{d}
	}
	if v, ok := os.LookupEnv("TOPTLE_PREFIX"); ok {
		cfg.Prefix = v
	}
	if v := os.Getenv("TOPTLE_METRICS"); v != "" {
		cfg.MetricList = v
	}
	if v := os.Getenv("TOPTLE_MODE"); v != "" {
		m, err := ParseMode(v)
		if err != nil {
			return fmt.Errorf("TOPTLE_MODE: %w", err)
		}
		cfg.Mode = m
	}
	if v := os.Getenv("TOPTLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOPTLE_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	return nil
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if c.Interval.Duration <= 0 {
		return ErrInvalidInterval
	}
	if c.GracePeriod.Duration < 0 {
		return fmt.Errorf("grace period must not be negative (got %s)", c.GracePeriod.Duration)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if len(c.Metrics) == 0 {
		return ErrEmptyMetrics
	}
	return nil
}
