package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/shellyd/internal/meter"
)

// EnvPrefix prefixes environment overrides, e.g. SHELLYD_MQTT_PASSWORD.
const EnvPrefix = "SHELLYD"

// Config represents the application configuration
type Config struct {
	Device          DeviceConfig      `yaml:"device"`
	Cycle           CycleConfig       `yaml:"cycle"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout" split_words:"true"` // General shutdown timeout for graceful stops
}

// DeviceConfig describes the relay being driven
type DeviceConfig struct {
	ID         string          `yaml:"id"`
	Address    string          `yaml:"address"`
	Enabled    *bool           `yaml:"enabled"`
	RelayIndex int             `yaml:"relay_index" split_words:"true"`
	Type       meter.MeterType `yaml:"type"`
	Phase      meter.Phase     `yaml:"phase"`
	Timeout    Duration        `yaml:"timeout"` // HTTP timeout for a single device request

	// Relay commands per second, 0 = unlimited
	CommandRateLimit float64 `yaml:"command_rate_limit" split_words:"true"`
}

// IsEnabled returns whether the driver starts enabled (default: true)
func (c *DeviceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CycleConfig contains control cycle settings
type CycleConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"` // Upper bound for each phase of a cycle (default: interval)
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanup_interval" split_words:"true"`
	RetentionDays   int      `yaml:"retention_days" split_words:"true"`
}

// IsEnabled returns whether the ledger is enabled (default: true)
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Retention returns the retention period as a duration
func (c *LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// HealthcheckConfig contains settings of the HTTP server (health, API, metrics)
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id" split_words:"true"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Prefix         string   `yaml:"prefix"`
	ConnectTimeout Duration `yaml:"connect_timeout" split_words:"true"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	QueueSize int `yaml:"queue_size" split_words:"true"` // Event queue size (default: 64)
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 64
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder for Duration
func (d *Duration) Decode(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads the configuration file, applies environment overrides and defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./shellyd.sqlite"
	}

	// Device defaults
	if cfg.Device.ID == "" {
		cfg.Device.ID = "io0"
	}
	if cfg.Device.Type == "" {
		cfg.Device.Type = meter.ConsumptionMetered
	}
	if cfg.Device.Phase == "" {
		cfg.Device.Phase = meter.L1
	}
	if cfg.Device.Timeout == 0 {
		cfg.Device.Timeout = Duration(5 * time.Second)
	}

	// Cycle defaults
	if cfg.Cycle.Interval == 0 {
		cfg.Cycle.Interval = Duration(time.Second)
	}
	if cfg.Cycle.Timeout == 0 {
		cfg.Cycle.Timeout = cfg.Cycle.Interval
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "shellyd-" + cfg.Device.ID
	}
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = "shellyd/" + cfg.Device.ID
	}
	cfg.MQTT.Prefix = strings.TrimSuffix(cfg.MQTT.Prefix, "/")
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(5 * time.Second)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate reports every problem that would keep the driver from running
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Address == "" {
		errs = append(errs, errors.New("device.address is required"))
	}
	if c.Device.RelayIndex < 0 {
		errs = append(errs, fmt.Errorf("device.relay_index must not be negative, got %d", c.Device.RelayIndex))
	}
	if !c.Device.Type.Valid() {
		errs = append(errs, fmt.Errorf("device.type %q is not a known meter type", c.Device.Type))
	}
	if !c.Device.Phase.Valid() {
		errs = append(errs, fmt.Errorf("device.phase %q is not one of L1, L2, L3", c.Device.Phase))
	}
	if c.Device.CommandRateLimit < 0 {
		errs = append(errs, errors.New("device.command_rate_limit must not be negative"))
	}
	if c.Cycle.Interval.Duration() < time.Second {
		errs = append(errs, fmt.Errorf("cycle.interval must be at least 1s, got %s", c.Cycle.Interval.Duration()))
	}
	if c.Cycle.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("cycle.timeout must be positive"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
