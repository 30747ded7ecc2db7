package devicesim

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds simulator settings.
type Config struct {
	Listen   string        `yaml:"listen"`
	Interval time.Duration `yaml:"interval"`

	// Step is the position change per Manual;Increment frame.
	Step float64 `yaml:"step"`

	// Newline terminates each telemetry object. The controller itself sends
	// objects back to back.
	Newline bool `yaml:"newline"`

	// NoErrorToken sends "NoError" instead of 0 when no fault is active.
	NoErrorToken bool `yaml:"noErrorToken"`

	MaxConnections int `yaml:"maxConnections"`

	Faults []FaultStep `yaml:"faults"`
}

// FaultStep raises Code After the simulator starts and clears it after
// Duration. A zero Duration latches the fault.
type FaultStep struct {
	After    time.Duration `yaml:"after"`
	Duration time.Duration `yaml:"duration"`
	Code     uint32        `yaml:"code"`
}

// DefaultConfig returns the baseline simulator configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         "127.0.0.1:7070",
		Interval:       50 * time.Millisecond,
		Step:           1,
		NoErrorToken:   true,
		MaxConnections: 4,
	}
}

// LoadConfig applies the YAML file at path (if any) and HMI_SIM_*
// environment overrides to the baseline.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read simulator config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse simulator config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("HMI_SIM_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("HMI_SIM_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HMI_SIM_INTERVAL: %w", err)
		}
		cfg.Interval = d
	}
	if v := os.Getenv("HMI_SIM_NEWLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HMI_SIM_NEWLINE: %w", err)
		}
		cfg.Newline = b
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.Step <= 0 {
		return fmt.Errorf("step must be positive, got %v", c.Step)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive, got %d", c.MaxConnections)
	}
	for i, f := range c.Faults {
		if f.Code == 0 {
			return fmt.Errorf("fault %d: code must be non-zero", i)
		}
		if f.After < 0 || f.Duration < 0 {
			return fmt.Errorf("fault %d: negative offset", i)
		}
	}
	return nil
}
