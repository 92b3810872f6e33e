// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Reader  ReaderConfig  `yaml:"reader"`
	Storage StorageConfig `yaml:"storage"`
	Archive ArchiveConfig `yaml:"archive"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	UI      UIConfig      `yaml:"ui"`
	Logging LoggingConfig `yaml:"logging"`
}

// ReaderConfig selects and addresses the NFC reader bridge
type ReaderConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

// StorageConfig locates the preferences database holding the scan history
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig controls the raw payload archive
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// MQTTConfig contains scan event publishing settings
type MQTTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Port    int    `yaml:"port"`
	Topic   string `yaml:"topic"`
}

// UIConfig contains terminal dashboard settings
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Reader: ReaderConfig{
			Host: "127.0.0.1",
			Port: 7373,
			Name: "local bridge",
		},
		Storage: StorageConfig{Path: "nfcscan.db"},
		Archive: ArchiveConfig{
			Path:          "archive",
			RetentionDays: 90,
		},
		MQTT: MQTTConfig{
			Port:  1883,
			Topic: "nfcscan/scans",
		},
		UI:      UIConfig{RefreshSeconds: 1},
		Logging: LoggingConfig{Dir: "logs", RetentionDays: 14},
	}
}

// Load loads configuration from a YAML file, filling omitted fields with
// defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Reader.Host == "" {
		return fmt.Errorf("config: reader host is required")
	}
	if c.Reader.Port <= 0 || c.Reader.Port > 65535 {
		return fmt.Errorf("config: reader port %d out of range", c.Reader.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage path is required")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("config: archive enabled but path is empty")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("config: mqtt enabled but broker is empty")
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("config: mqtt enabled but topic is empty")
		}
	}
	if c.UI.RefreshSeconds <= 0 {
		c.UI.RefreshSeconds = 1
	}
	return nil
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Reader: %s:%d (%s)\n", c.Reader.Host, c.Reader.Port, c.Reader.Name)
	fmt.Printf("Storage: %s\n", c.Storage.Path)
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention %dd)\n", c.Archive.Path, c.Archive.RetentionDays)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %dd)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
}
