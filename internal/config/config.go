// Package config loads the monitor's settings from a JSON or YAML file.
//
// Fields omitted from the file keep the values from Default, so partial
// configs are safe. Command-line flags in cmd/hpl-monitor are applied on top
// of the loaded file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/gnss-integrity/internal/serialmux"
)

const (
	SourceReplay = "replay"
	SourceSerial = "serial"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the top-level service configuration.
type Config struct {
	Listen         string       `json:"listen" yaml:"listen"`
	DBPath         string       `json:"db_path" yaml:"db_path"`
	Interval       string       `json:"interval" yaml:"interval"`
	Retention      string       `json:"retention,omitempty" yaml:"retention,omitempty"`
	VerifyChecksum bool         `json:"verify_checksum" yaml:"verify_checksum"`
	HistoryLimit   int          `json:"history_limit" yaml:"history_limit"`
	Source         SourceConfig `json:"source" yaml:"source"`
	MQTT           MQTTConfig   `json:"mqtt" yaml:"mqtt"`
}

// SourceConfig selects where sentences come from.
type SourceConfig struct {
	Mode         string                `json:"mode" yaml:"mode"`
	ReplayPath   string                `json:"replay_path,omitempty" yaml:"replay_path,omitempty"`
	SerialPort   string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial       serialmux.PortOptions `json:"serial" yaml:"serial"`
	InitCommands []string              `json:"init_commands,omitempty" yaml:"init_commands,omitempty"`
}

// MQTTConfig enables publication of every cycle. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Retained bool   `json:"retained" yaml:"retained"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:   ":8080",
		DBPath:   "gnss_integrity.db",
		Interval: "1s",
		Source: SourceConfig{
			Mode:       SourceReplay,
			ReplayPath: "nmea_data.txt",
			SerialPort: "/dev/ttyUSB0",
			Serial: serialmux.PortOptions{
				BaudRate: serialmux.DefaultBaudRate,
				DataBits: 8,
				StopBits: 1,
				Parity:   "N",
			},
		},
		MQTT: MQTTConfig{
			ClientID: "gnss-integrity",
			Topic:    "gnss/integrity",
		},
	}
}

// Load reads path (.json, .yaml or .yml), merges it over Default and
// validates the result.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if d, err := time.ParseDuration(c.Interval); err != nil {
		return fmt.Errorf("invalid interval '%s': %w", c.Interval, err)
	} else if d <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}

	if c.Retention != "" {
		if d, err := time.ParseDuration(c.Retention); err != nil {
			return fmt.Errorf("invalid retention '%s': %w", c.Retention, err)
		} else if d < 0 {
			return fmt.Errorf("retention must be non-negative, got %s", c.Retention)
		}
	}

	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be non-negative, got %d", c.HistoryLimit)
	}

	switch c.Source.Mode {
	case SourceReplay:
		if c.Source.ReplayPath == "" {
			return fmt.Errorf("source.replay_path is required in replay mode")
		}
	case SourceSerial:
		if c.Source.SerialPort == "" {
			return fmt.Errorf("source.serial_port is required in serial mode")
		}
		if _, err := c.Source.Serial.Normalize(); err != nil {
			return fmt.Errorf("source.serial: %w", err)
		}
	default:
		return fmt.Errorf("source.mode must be %q or %q, got %q", SourceReplay, SourceSerial, c.Source.Mode)
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic is required when mqtt.broker is set")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	return nil
}

// GetInterval returns the acquisition interval, falling back to one second.
func (c *Config) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetRetention returns how long cycles are kept. Zero keeps everything.
func (c *Config) GetRetention() time.Duration {
	if c.Retention == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Retention)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
