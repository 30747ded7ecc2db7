package devicesim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Interval != 50*time.Millisecond {
		t.Errorf("Interval = %v, want 50ms", cfg.Interval)
	}
	if cfg.Newline {
		t.Error("Newline should default to false")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.yaml")
	yaml := `
listen: 127.0.0.1:9000
interval: 20ms
step: 0.5
faults:
  - after: 2s
    duration: 1s
    code: 131072
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HMI_SIM_NEWLINE", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.Interval != 20*time.Millisecond || cfg.Step != 0.5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Newline {
		t.Error("env override for newline not applied")
	}
	if len(cfg.Faults) != 1 || cfg.Faults[0].Code != 1<<17 || cfg.Faults[0].After != 2*time.Second {
		t.Errorf("faults = %+v", cfg.Faults)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"zero interval", func(c *Config) { c.Interval = 0 }, "interval"},
		{"zero step", func(c *Config) { c.Step = 0 }, "step"},
		{"zero fault", func(c *Config) { c.Faults = []FaultStep{{After: time.Second}} }, "code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("HMI_SIM_INTERVAL", "fast")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected error for bad interval")
	}
}
