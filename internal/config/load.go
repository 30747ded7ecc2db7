package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultConfigFile is read when no path is given and the file exists.
const DefaultConfigFile = "config.yaml"

// Load merges Baseline() + optional YAML file + HMI_* env overrides, then
// validates. An empty path falls back to HMI_CONFIG, then DefaultConfigFile
// if present. An explicitly named file that does not exist is an error.
func Load(path string) (*Config, error) {
	config := Baseline()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("HMI_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	if path != "" {
		if err := loadFromFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes YAML on top of config; keys absent from the file keep
// their current values.
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// envOverride applies one variable when it is set.
type envOverride struct {
	key   string
	apply func(string) error
}

func stringVar(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intVar(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// listVar splits a comma-separated value, dropping empty items.
func listVar(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
		return nil
	}
}

func floatVar(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// applyEnvOverrides applies HMI_* environment variables to the config.
func applyEnvOverrides(c *Config) error {
	t := &c.Timing
	overrides := []envOverride{
		{"HMI_SERVER_ADDR", stringVar(&c.Server.Addr)},
		{"HMI_SERVER_ALLOWED_ORIGINS", listVar(&c.Server.AllowedOrigins)},

		{"HMI_DEVICE_NAME", stringVar(&c.Device.Name)},
		{"HMI_DEVICE_TRANSPORT", stringVar(&c.Device.Transport)},
		{"HMI_DEVICE_SERIAL_PORT", stringVar(&c.Device.SerialPort)},
		{"HMI_DEVICE_BAUD", intVar(&c.Device.Baud)},
		{"HMI_DEVICE_TCP_ADDR", stringVar(&c.Device.TCPAddr)},

		{"HMI_GRAPH_MAX_POINTS", intVar(&c.Graph.MaxDataPoints)},

		{"HMI_PLANS_URL", stringVar(&c.Plans.URL)},
		{"HMI_PLANS_API_KEY", stringVar(&c.Plans.APIKey)},

		{"HMI_AUTH_DISABLED", boolVar(&c.Auth.Disabled)},
		{"HMI_AUTH_ALGORITHM", stringVar(&c.Auth.Algorithm)},
		{"HMI_AUTH_SECRET", stringVar(&c.Auth.Secret)},
		{"HMI_AUTH_JWKS_URL", stringVar(&c.Auth.JWKSURL)},

		{"HMI_AUDIT_PATH", stringVar(&c.Audit.Path)},
		{"HMI_SESSION_PATH", stringVar(&c.Session.Path)},

		{"HMI_TIMING_HEARTBEAT_INTERVAL", durationVar(&t.HeartbeatInterval)},
		{"HMI_TIMING_HEARTBEAT_JITTER", durationVar(&t.HeartbeatJitter)},
		{"HMI_TIMING_HEARTBEAT_TIMEOUT", durationVar(&t.HeartbeatTimeout)},
		{"HMI_TIMING_RECONNECT_INITIAL", durationVar(&t.ReconnectInitial)},
		{"HMI_TIMING_RECONNECT_BACKOFF", floatVar(&t.ReconnectBackoff)},
		{"HMI_TIMING_RECONNECT_MAX", durationVar(&t.ReconnectMax)},
		{"HMI_TIMING_DIAL_TIMEOUT", durationVar(&t.DialTimeout)},
		{"HMI_TIMING_COMMAND_MANUAL", durationVar(&t.CommandTimeoutManual)},
		{"HMI_TIMING_COMMAND_CONTROL", durationVar(&t.CommandTimeoutControl)},
		{"HMI_TIMING_COMMAND_PLAN", durationVar(&t.CommandTimeoutPlan)},
		{"HMI_TIMING_PLAN_REQUEST", durationVar(&t.PlanRequestTimeout)},
		{"HMI_TIMING_EVENT_BUFFER_SIZE", intVar(&t.EventBufferSize)},
		{"HMI_TIMING_EVENT_BUFFER_RETENTION", durationVar(&t.EventBufferRetention)},
	}

	for _, o := range overrides {
		val, ok := os.LookupEnv(o.key)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		if err := o.apply(strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("%s=%q: %w", o.key, val, err)
		}
	}
	return nil
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
