// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads server configuration with layered precedence:
// built-in defaults, then an optional YAML file, then ADSERVER_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "ADSERVER_CONFIG"

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"adserver.yaml",
	"adserver.yml",
	"/etc/adserver/adserver.yaml",
}

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Cache       CacheConfig       `koanf:"cache"`
	Fraud       FraudConfig       `koanf:"fraud"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Log         LogConfig         `koanf:"log"`
}

// ServerConfig covers the public API and the ops listener.
type ServerConfig struct {
	Addr    string `koanf:"addr"`     // public API
	OpsAddr string `koanf:"ops_addr"` // metrics and health

	// EventRateLimit is the per-client sustained events/second budget
	// on the ingestion endpoint; EventRateBurst is the bucket size.
	EventRateLimit float64 `koanf:"event_rate_limit"`
	EventRateBurst int     `koanf:"event_rate_burst"`

	// AutoRecord makes the selection endpoint record impressions
	// server-side instead of waiting for the client tracker.
	AutoRecord bool `koanf:"auto_record"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	Backend   string        `koanf:"backend"` // "badger" or "memory"
	Path      string        `koanf:"path"`
	Retention time.Duration `koanf:"retention"`
}

// CacheConfig tunes the targeting result cache.
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
}

// FraudConfig tunes the burst heuristics.
type FraudConfig struct {
	Window              time.Duration `koanf:"window"`
	ClickThreshold      int           `koanf:"click_threshold"`
	ImpressionThreshold int           `koanf:"impression_threshold"`
}

// AggregationConfig schedules the nightly job.
type AggregationConfig struct {
	Enabled bool `koanf:"enabled"`
	// HourUTC is the hour of day (UTC) the previous-day run starts.
	HourUTC int `koanf:"hour_utc"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `koanf:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			OpsAddr:        ":9090",
			EventRateLimit: 50,
			EventRateBurst: 100,
			AutoRecord:     false,
		},
		Storage: StorageConfig{
			Backend:   "badger",
			Path:      "/var/lib/adserver",
			Retention: 90 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     3 * time.Minute,
		},
		Fraud: FraudConfig{
			Window:              60 * time.Second,
			ClickThreshold:      5,
			ImpressionThreshold: 10,
		},
		Aggregation: AggregationConfig{
			Enabled: true,
			HourUTC: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. path may be empty, in which case the
// env override and then the default paths are tried; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path == "" {
		for _, p := range DefaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: file %s: %w", path, err)
		}
	}

	// ADSERVER_SERVER__ADDR=:8081 -> server.addr
	err := k.Load(env.Provider("ADSERVER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ADSERVER_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr required")
	}
	if c.Storage.Backend != "badger" && c.Storage.Backend != "memory" {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "badger" && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path required for badger backend")
	}
	if c.Aggregation.HourUTC < 0 || c.Aggregation.HourUTC > 23 {
		return fmt.Errorf("config: aggregation.hour_utc out of range")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache.ttl must be positive")
	}
	return nil
}
