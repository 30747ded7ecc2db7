package config

import "time"

// Transports for the device link.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Config is the full container configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Device  DeviceConfig  `yaml:"device"`
	Timing  TimingConfig  `yaml:"timing"`
	Graph   GraphConfig   `yaml:"graph"`
	Plans   PlansConfig   `yaml:"plans"`
	Auth    AuthConfig    `yaml:"auth"`
	Audit   AuditConfig   `yaml:"audit"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// AllowedOrigins lists the browser origins that may open the WebSocket.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// DeviceConfig selects and configures the device link.
type DeviceConfig struct {
	Name       string `yaml:"name"`
	Transport  string `yaml:"transport"`
	SerialPort string `yaml:"serialPort"`
	Baud       int    `yaml:"baud"`
	TCPAddr    string `yaml:"tcpAddr"`
}

// GraphConfig bounds the live chart.
type GraphConfig struct {
	MaxDataPoints int `yaml:"maxDataPoints"`
	PNGWidth      int `yaml:"pngWidth"`
	PNGHeight     int `yaml:"pngHeight"`
}

// PlansConfig points at the plan persistence service. An empty URL selects
// the in-memory store.
type PlansConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Disabled     bool   `yaml:"disabled"`
	Algorithm    string `yaml:"algorithm"`
	Secret       string `yaml:"secret"`
	PublicKeyPEM string `yaml:"publicKeyPem"`
	JWKSURL      string `yaml:"jwksUrl"`
}

// AuditConfig configures the rotated audit log.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// SessionConfig locates the session-restore state file. An empty path keeps
// state in memory only.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// Baseline returns the default configuration.
func Baseline() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE and WebSocket responses are long-lived
			IdleTimeout:  120 * time.Second,
		},
		Device: DeviceConfig{
			Name:       "exo-01",
			Transport:  TransportSerial,
			SerialPort: "/dev/ttyACM0",
			Baud:       115200,
			TCPAddr:    "127.0.0.1:7070",
		},
		Timing: *LoadTimingBaseline(),
		Graph: GraphConfig{
			MaxDataPoints: 100,
			PNGWidth:      800,
			PNGHeight:     400,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
		},
		Audit: AuditConfig{
			Path:       "audit.jsonl",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Session: SessionConfig{
			Path: "session.yaml",
		},
	}
}
