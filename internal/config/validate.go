package config

import (
	"fmt"
	"time"

	"github.com/exo-hmi/hmi/internal/device"
)

// Validate checks the merged configuration.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if config.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}

	if err := validateDevice(&config.Device); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}

	if err := ValidateTiming(&config.Timing); err != nil {
		return err
	}

	if config.Graph.MaxDataPoints <= 0 {
		return fmt.Errorf("graph maxDataPoints must be positive, got %d", config.Graph.MaxDataPoints)
	}
	if config.Graph.PNGWidth <= 0 || config.Graph.PNGHeight <= 0 {
		return fmt.Errorf("graph png size must be positive, got %dx%d", config.Graph.PNGWidth, config.Graph.PNGHeight)
	}

	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	return nil
}

func validateDevice(d *DeviceConfig) error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	switch d.Transport {
	case TransportSerial:
		if d.SerialPort == "" {
			return fmt.Errorf("serial transport requires serialPort")
		}
		if d.Baud <= 0 {
			return fmt.Errorf("baud must be positive, got %d", d.Baud)
		}
	case TransportTCP:
		if d.TCPAddr == "" {
			return fmt.Errorf("tcp transport requires tcpAddr")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", d.Transport, TransportSerial, TransportTCP)
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	if a.Disabled {
		return nil
	}
	switch a.Algorithm {
	case "HS256":
		if a.Secret == "" {
			return fmt.Errorf("HS256 requires a secret (set HMI_AUTH_SECRET or auth.disabled)")
		}
	case "RS256":
		if a.PublicKeyPEM == "" && a.JWKSURL == "" {
			return fmt.Errorf("RS256 requires publicKeyPem or jwksUrl")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	return nil
}

// ValidateTiming enforces timing invariants.
func ValidateTiming(config *TimingConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateHeartbeat(config); err != nil {
		return fmt.Errorf("heartbeat validation failed: %w", err)
	}

	if err := validateReconnect(config); err != nil {
		return fmt.Errorf("reconnect validation failed: %w", err)
	}

	if err := validateCommandTimeouts(config); err != nil {
		return fmt.Errorf("command timeout validation failed: %w", err)
	}

	if err := validateEventBuffer(config); err != nil {
		return fmt.Errorf("event buffer validation failed: %w", err)
	}

	return nil
}

// validateHeartbeat validates heartbeat timing parameters.
func validateHeartbeat(config *TimingConfig) error {
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", config.HeartbeatInterval)
	}

	// Jitter is bounded by half the interval
	maxJitter := config.HeartbeatInterval / 2
	if config.HeartbeatJitter < 0 {
		return fmt.Errorf("heartbeat jitter must be non-negative, got %v", config.HeartbeatJitter)
	}
	if config.HeartbeatJitter > maxJitter {
		return fmt.Errorf("heartbeat jitter %v exceeds 50%% of interval %v", config.HeartbeatJitter, config.HeartbeatInterval)
	}

	if config.HeartbeatTimeout < config.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %v must be >= interval %v", config.HeartbeatTimeout, config.HeartbeatInterval)
	}

	return nil
}

func validateReconnect(config *TimingConfig) error {
	if config.ReconnectInitial <= 0 {
		return fmt.Errorf("reconnect initial must be positive, got %v", config.ReconnectInitial)
	}
	if config.ReconnectBackoff < 1.0 || config.ReconnectBackoff > 10.0 {
		return fmt.Errorf("reconnect backoff must be in [1.0, 10.0], got %v", config.ReconnectBackoff)
	}
	if config.ReconnectMax < config.ReconnectInitial {
		return fmt.Errorf("reconnect max %v must be >= initial %v", config.ReconnectMax, config.ReconnectInitial)
	}
	if config.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %v", config.DialTimeout)
	}
	return nil
}

// validateCommandTimeouts keeps every deadline within [10ms, 1m].
func validateCommandTimeouts(config *TimingConfig) error {
	minTimeout := 10 * time.Millisecond
	maxTimeout := time.Minute

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"manual", config.CommandTimeoutManual},
		{"control", config.CommandTimeoutControl},
		{"plan", config.CommandTimeoutPlan},
		{"planRequest", config.PlanRequestTimeout},
	}
	for _, tt := range timeouts {
		if tt.value < minTimeout || tt.value > maxTimeout {
			return fmt.Errorf("command timeout %s %v is outside [%v, %v]", tt.name, tt.value, minTimeout, maxTimeout)
		}
	}
	return nil
}

// validateEventBuffer validates event buffer parameters.
func validateEventBuffer(config *TimingConfig) error {
	if config.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", config.EventBufferSize)
	}

	if config.EventBufferRetention <= 0 {
		return fmt.Errorf("event buffer retention must be positive, got %v", config.EventBufferRetention)
	}

	return nil
}

// Backoff returns the device link reconnect pacing.
func (t *TimingConfig) Backoff() device.Backoff {
	return device.Backoff{
		Initial: t.ReconnectInitial,
		Factor:  t.ReconnectBackoff,
		Max:     t.ReconnectMax,
	}
}
