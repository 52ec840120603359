package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/shellyd/internal/meter"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "device:\n  address: 192.168.1.50\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ID != "io0" {
		t.Errorf("device.id = %q", cfg.Device.ID)
	}
	if cfg.Device.Type != meter.ConsumptionMetered || cfg.Device.Phase != meter.L1 {
		t.Errorf("device type/phase = %s/%s", cfg.Device.Type, cfg.Device.Phase)
	}
	if !cfg.Device.IsEnabled() {
		t.Error("device should be enabled by default")
	}
	if cfg.Device.Timeout.Duration() != 5*time.Second {
		t.Errorf("device.timeout = %s", cfg.Device.Timeout.Duration())
	}
	if cfg.Cycle.Interval.Duration() != time.Second || cfg.Cycle.Timeout != cfg.Cycle.Interval {
		t.Errorf("cycle = %+v", cfg.Cycle)
	}
	if cfg.MQTT.Prefix != "shellyd/io0" {
		t.Errorf("mqtt.prefix = %q", cfg.MQTT.Prefix)
	}
	if cfg.Ledger.Retention() != 30*24*time.Hour {
		t.Errorf("ledger retention = %s", cfg.Ledger.Retention())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
device:
  id: boiler
  address: http://10.0.0.7
  enabled: false
  relay_index: 1
  type: PRODUCTION
  phase: L3
  timeout: 2s
  command_rate_limit: 0.5
cycle:
  interval: 2s
  timeout: 1500ms
mqtt:
  enabled: true
  broker: tcp://broker:1883
  prefix: home/boiler/
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.IsEnabled() {
		t.Error("device.enabled: false was ignored")
	}
	if cfg.Device.RelayIndex != 1 || cfg.Device.Type != meter.Production || cfg.Device.Phase != meter.L3 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Cycle.Timeout.Duration() != 1500*time.Millisecond {
		t.Errorf("cycle.timeout = %s", cfg.Cycle.Timeout.Duration())
	}
	if cfg.MQTT.Prefix != "home/boiler" {
		t.Errorf("mqtt.prefix = %q", cfg.MQTT.Prefix)
	}
	if cfg.MQTT.ClientID != "shellyd-boiler" {
		t.Errorf("mqtt.client_id = %q", cfg.MQTT.ClientID)
	}
}

func TestLoadRejectsUnknownMeterType(t *testing.T) {
	_, err := Load(writeConfig(t, "device:\n  address: a\n  type: BATTERY\n"))
	if err == nil {
		t.Fatal("expected error for unknown meter type")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SHELLY_HOST", "10.1.1.1")

	cfg, err := Load(writeConfig(t, `
device:
  address: ${SHELLY_HOST}
database:
  path: ${SHELLY_DB_PATH_UNSET:/var/lib/shellyd.sqlite}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.Address != "10.1.1.1" {
		t.Errorf("address = %q", cfg.Device.Address)
	}
	if cfg.Database.Path != "/var/lib/shellyd.sqlite" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHELLYD_MQTT_PASSWORD", "s3cret")
	t.Setenv("SHELLYD_DEVICE_RELAY_INDEX", "2")
	t.Setenv("SHELLYD_CYCLE_INTERVAL", "3s")
	t.Setenv("SHELLYD_DEVICE_PHASE", "L2")

	cfg, err := Load(writeConfig(t, `
device:
  address: 10.0.0.7
  relay_index: 0
mqtt:
  password: from-file
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Password != "s3cret" {
		t.Errorf("mqtt.password = %q", cfg.MQTT.Password)
	}
	if cfg.Device.RelayIndex != 2 {
		t.Errorf("relay_index = %d", cfg.Device.RelayIndex)
	}
	if cfg.Cycle.Interval.Duration() != 3*time.Second {
		t.Errorf("cycle.interval = %s", cfg.Cycle.Interval.Duration())
	}
	if cfg.Device.Phase != meter.L2 {
		t.Errorf("phase = %s", cfg.Device.Phase)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing address", func(c *Config) { c.Device.Address = "" }, "device.address"},
		{"negative index", func(c *Config) { c.Device.RelayIndex = -1 }, "relay_index"},
		{"bad phase", func(c *Config) { c.Device.Phase = "L9" }, "device.phase"},
		{"short interval", func(c *Config) { c.Cycle.Interval = Duration(100 * time.Millisecond) }, "cycle.interval"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Device: DeviceConfig{Address: "10.0.0.7"}}
			applyDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
