package config

import "time"

// TimingConfig holds every timer and buffer bound of the container.
type TimingConfig struct {
	// SSE heartbeat
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeatJitter"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`

	// Device link reconnect pacing
	ReconnectInitial time.Duration `yaml:"reconnectInitial"`
	ReconnectBackoff float64       `yaml:"reconnectBackoff"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`
	DialTimeout      time.Duration `yaml:"dialTimeout"`

	// Command write deadlines
	CommandTimeoutManual  time.Duration `yaml:"commandTimeoutManual"`
	CommandTimeoutControl time.Duration `yaml:"commandTimeoutControl"`
	CommandTimeoutPlan    time.Duration `yaml:"commandTimeoutPlan"`

	// Plan service round trip
	PlanRequestTimeout time.Duration `yaml:"planRequestTimeout"`

	// SSE reconnect ring
	EventBufferSize      int           `yaml:"eventBufferSize"`
	EventBufferRetention time.Duration `yaml:"eventBufferRetention"`
}

// LoadTimingBaseline returns the default timing values.
func LoadTimingBaseline() *TimingConfig {
	return &TimingConfig{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatJitter:   2 * time.Second,
		HeartbeatTimeout:  45 * time.Second,

		// Telemetry arrives every 50ms, so a lost link is noticed quickly;
		// reconnect fast at first, then settle.
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectBackoff: 2.0,
		ReconnectMax:     10 * time.Second,
		DialTimeout:      3 * time.Second,

		CommandTimeoutManual:  500 * time.Millisecond,
		CommandTimeoutControl: 1 * time.Second,
		CommandTimeoutPlan:    2 * time.Second,

		PlanRequestTimeout: 10 * time.Second,

		// 250 events is ~12s of telemetry at 20Hz.
		EventBufferSize:      250,
		EventBufferRetention: 1 * time.Hour,
	}
}
