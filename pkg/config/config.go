// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the attribd server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adxyz/attrib/pkg/model"
)

// Config is the full attribd configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Log         LogConfig         `yaml:"log"`
	Attribution AttributionConfig `yaml:"attribution"`
}

// ServerConfig holds the listener ports.
type ServerConfig struct {
	APIPort int `yaml:"api_port"`
	OpsPort int `yaml:"ops_port"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of memory, badger, postgres.
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig configures the optional model-settings cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AttributionConfig holds engine-level defaults.
type AttributionConfig struct {
	// DefaultModel applies to clients with no stored settings.
	DefaultModel string `yaml:"default_model"`

	// IOTimeout bounds each collaborator call inside the engine.
	IOTimeout time.Duration `yaml:"io_timeout"`
}

// Default returns a runnable development configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIPort: 8080,
			OpsPort: 9090,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "/tmp/attribd",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Attribution: AttributionConfig{
			DefaultModel: string(model.LastTouch),
			IOTimeout:    5 * time.Second,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "badger", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires postgres_dsn")
	}
	if c.Storage.Backend == "badger" && c.Storage.Path == "" {
		return fmt.Errorf("badger backend requires path")
	}
	if _, err := model.Resolve(c.Attribution.DefaultModel); err != nil {
		return fmt.Errorf("default_model: %w", err)
	}
	if c.Server.APIPort <= 0 || c.Server.OpsPort <= 0 {
		return fmt.Errorf("ports must be positive")
	}
	return nil
}
