// Package config loads btserial settings: built-in defaults, then an optional
// YAML file, then BTSERIAL_* environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Transport kinds.
const (
	TransportBlueZ  = "bluez"
	TransportRFCOMM = "rfcomm"
)

// Config is the complete btserial configuration.
type Config struct {
	Adapter   string          `yaml:"adapter"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// TransportConfig selects how the serial stream is opened.
type TransportConfig struct {
	Kind           string   `yaml:"kind"`    // bluez or rfcomm
	Channel        uint8    `yaml:"channel"` // rfcomm only
	ConnectTimeout Duration `yaml:"connectTimeout"`
}

// ServerConfig holds the receiving side's SPP registration.
type ServerConfig struct {
	ServiceName string `yaml:"serviceName"`
}

// LogConfig controls the logger. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Adapter: "hci0",
		Transport: TransportConfig{
			Kind:           TransportBlueZ,
			Channel:        1,
			ConnectTimeout: Duration(30 * time.Second),
		},
		Server: ServerConfig{
			ServiceName: "btserial",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// BTSERIAL_CONFIG names the file; with neither set only defaults and
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("BTSERIAL_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BTSERIAL_ADAPTER"); v != "" {
		cfg.Adapter = v
	}
	if v := os.Getenv("BTSERIAL_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("BTSERIAL_RFCOMM_CHANNEL"); v != "" {
		ch, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("BTSERIAL_RFCOMM_CHANNEL: %w", err)
		}
		cfg.Transport.Channel = uint8(ch)
	}
	if v := os.Getenv("BTSERIAL_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BTSERIAL_CONNECT_TIMEOUT: %w", err)
		}
		cfg.Transport.ConnectTimeout = Duration(d)
	}
	if v := os.Getenv("BTSERIAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BTSERIAL_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	return nil
}

// Validate checks a configuration for values the rest of the program cannot use.
func Validate(cfg *Config) error {
	if cfg.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}
	switch cfg.Transport.Kind {
	case TransportBlueZ:
	case TransportRFCOMM:
		if cfg.Transport.Channel < 1 || cfg.Transport.Channel > 30 {
			return fmt.Errorf("rfcomm channel %d out of range 1-30", cfg.Transport.Channel)
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", cfg.Transport.Kind, TransportBlueZ, TransportRFCOMM)
	}
	if cfg.Transport.ConnectTimeout < 0 {
		return fmt.Errorf("connectTimeout must not be negative")
	}
	if cfg.Server.ServiceName == "" {
		return fmt.Errorf("server.serviceName must not be empty")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	return nil
}
