// Package config loads the bottlelink YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Scan     ScanConfig    `yaml:"scan"`
	Sensor   SensorConfig  `yaml:"sensor"`
	Storage  StorageConfig `yaml:"storage"`
	Server   ServerConfig  `yaml:"server"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the bottle's GATT layout. Defaults match current
// firmware; overrides exist for bench units with reflashed UUIDs.
type DeviceConfig struct {
	ServiceUUID       string `yaml:"service_uuid"`
	TelemetryCharUUID string `yaml:"telemetry_char_uuid"`
	ControlCharUUID   string `yaml:"control_char_uuid"`
	NamePrefix        string `yaml:"name_prefix"`
}

// ScanConfig bounds discovery and connection attempts.
type ScanConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SensorConfig tunes the reading pipeline.
type SensorConfig struct {
	MinValidDistanceMM float64 `yaml:"min_valid_distance_mm"`
	CalibrationWindow  int     `yaml:"calibration_window"`
}

// StorageConfig locates persisted per-subject state.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ServerConfig controls the caretaker dashboard API.
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bottlelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Device: DeviceConfig{
			ServiceUUID:       "0000ffe0-0000-1000-8000-00805f9b34fb",
			TelemetryCharUUID: "0000ffe1-0000-1000-8000-00805f9b34fb",
			ControlCharUUID:   "0000ffe2-0000-1000-8000-00805f9b34fb",
			NamePrefix:        "SmartBottle",
		},
		Scan: ScanConfig{
			Timeout:        15 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Sensor: SensorConfig{
			MinValidDistanceMM: 40,
			CalibrationWindow:  10,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".local", "share", "bottlelink"),
		},
		Server: ServerConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:8650",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. Tilde (~) in data_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.DataDir = expandTilde(cfg.Storage.DataDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ServiceUUID == "" {
		return fmt.Errorf("device.service_uuid must not be empty")
	}
	if c.Device.TelemetryCharUUID == "" {
		return fmt.Errorf("device.telemetry_char_uuid must not be empty")
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}
	if c.Scan.ConnectTimeout <= 0 {
		return fmt.Errorf("scan.connect_timeout must be > 0")
	}

	if c.Sensor.MinValidDistanceMM < 0 {
		return fmt.Errorf("sensor.min_valid_distance_mm must be >= 0")
	}
	if c.Sensor.CalibrationWindow <= 0 {
		return fmt.Errorf("sensor.calibration_window must be > 0")
	}

	if c.Server.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty when server is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
