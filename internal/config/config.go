// Package config loads the papyrix-ota configuration. Files may be YAML,
// TOML or JSON; values not set in the file keep the embedded defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/papyrix-ota/embedded"
	"github.com/bigbag/papyrix-ota/internal/manifest"
)

type DeviceConfig struct {
	Platform string `yaml:"platform" toml:"platform" json:"platform"`
	Version  string `yaml:"version" toml:"version" json:"version"`
	BuildID  string `yaml:"build_id" toml:"build_id" json:"build_id"`
}

type UpdateConfig struct {
	TimeoutSeconds       int    `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds"`
	CommitTimeoutSeconds int    `yaml:"commit_timeout_seconds" toml:"commit_timeout_seconds" json:"commit_timeout_seconds"`
	IgnoreSameVersion    bool   `yaml:"ignore_same_version" toml:"ignore_same_version" json:"ignore_same_version"`
	MaxManifestSize      uint32 `yaml:"max_manifest_size" toml:"max_manifest_size" json:"max_manifest_size"`
	StateFile            string `yaml:"state_file" toml:"state_file" json:"state_file"`
}

type SlotsConfig struct {
	Dir   string `yaml:"dir" toml:"dir" json:"dir"`
	Count int    `yaml:"count" toml:"count" json:"count"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen" json:"listen"`
}

type SerialConfig struct {
	Port string `yaml:"port" toml:"port" json:"port"`
	Baud int    `yaml:"baud" toml:"baud" json:"baud"`
}

type S3Config struct {
	Region           string `yaml:"region" toml:"region" json:"region"`
	Endpoint         string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	RetryMaxAttempts int    `yaml:"retry_max_attempts" toml:"retry_max_attempts" json:"retry_max_attempts"`
}

type LogConfig struct {
	File  string `yaml:"file" toml:"file" json:"file"`
	Level string `yaml:"level" toml:"level" json:"level"`
}

type Config struct {
	Device DeviceConfig `yaml:"device" toml:"device" json:"device"`
	Update UpdateConfig `yaml:"update" toml:"update" json:"update"`
	Slots  SlotsConfig  `yaml:"slots" toml:"slots" json:"slots"`
	HTTP   HTTPConfig   `yaml:"http" toml:"http" json:"http"`
	Serial SerialConfig `yaml:"serial" toml:"serial" json:"serial"`
	S3     S3Config     `yaml:"s3" toml:"s3" json:"s3"`
	Log    LogConfig    `yaml:"log" toml:"log" json:"log"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(embedded.DefaultConfig(), &cfg); err != nil {
		return nil, fmt.Errorf("embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads filename over the defaults. An empty filename yields the
// defaults alone.
func Load(filename string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if err := parse(expandEnvVars(data), detectFormat(filename, data), cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Device.Platform == "" {
		return fmt.Errorf("device.platform is required")
	}
	if c.Device.Version == "" {
		return fmt.Errorf("device.version is required")
	}
	if c.Device.BuildID == "" {
		return fmt.Errorf("device.build_id is required")
	}
	if c.Update.TimeoutSeconds <= 0 {
		return fmt.Errorf("update.timeout_seconds must be positive")
	}
	if c.Update.CommitTimeoutSeconds < 0 {
		return fmt.Errorf("update.commit_timeout_seconds must not be negative")
	}
	if c.Update.MaxManifestSize == 0 {
		return fmt.Errorf("update.max_manifest_size must be positive")
	}
	if c.Slots.Dir == "" {
		return fmt.Errorf("slots.dir is required")
	}
	if c.Slots.Count < 2 {
		return fmt.Errorf("slots.count must be at least 2")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if c.S3.RetryMaxAttempts < 0 {
		return fmt.Errorf("s3.retry_max_attempts must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Firmware returns the identity of the running firmware.
func (c *Config) Firmware() manifest.Firmware {
	return manifest.Firmware{
		Platform: c.Device.Platform,
		Version:  c.Device.Version,
		BuildID:  c.Device.BuildID,
	}
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Update.TimeoutSeconds) * time.Second
}

func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.Update.CommitTimeoutSeconds) * time.Second
}

// StateFile is where the pending commit timeout is kept. It defaults to
// updater.yaml in the slot directory.
func (c *Config) StateFile() string {
	if c.Update.StateFile != "" {
		return c.Update.StateFile
	}
	return filepath.Join(c.Slots.Dir, "updater.yaml")
}
