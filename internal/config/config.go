// Package config loads the pipeline's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration.
type Config struct {
	ArchiveRoot string            `yaml:"archive_root"`
	OutputRoot  string            `yaml:"output_root"`
	DBPath      string            `yaml:"db_path"`
	WorkDir     string            `yaml:"work_dir"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimits  map[string]Host   `yaml:"rate_limits"` // host -> policy
	Adapters    map[string]string `yaml:"adapter_base_urls"`
	Performance PerformanceConfig `yaml:"performance"`
}

// RedisConfig configures the optional registry mirror.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Host is a rate-limiter policy for one upstream host.
type Host struct {
	MinIntervalMs      int `yaml:"min_interval_ms"`
	MaxRequestsPerMin  int `yaml:"max_requests_per_minute"`
	MaxAttempts        int `yaml:"max_attempts"`
	BaseBackoffMs      int `yaml:"base_backoff_ms"`
	MaxBackoffMs       int `yaml:"max_backoff_ms"`
}

// PerformanceConfig mirrors the teacher's buffering/batching knobs.
type PerformanceConfig struct {
	WriteFlushCandles int `yaml:"write_flush_candles"`
	CatalogBatchSize  int `yaml:"catalog_batch_size"`
}

// Load reads and unmarshals filename, filling zero-valued defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OutputRoot == "" {
		c.OutputRoot = "./out"
	}
	if c.DBPath == "" {
		c.DBPath = "./catalog.db"
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Performance.WriteFlushCandles == 0 {
		c.Performance.WriteFlushCandles = 4096
	}
	if c.Performance.CatalogBatchSize == 0 {
		c.Performance.CatalogBatchSize = 500
	}
	if c.RateLimits == nil {
		c.RateLimits = map[string]Host{}
	}
	for host, h := range c.RateLimits {
		if h.MaxAttempts == 0 {
			h.MaxAttempts = 6
		}
		if h.BaseBackoffMs == 0 {
			h.BaseBackoffMs = 500
		}
		if h.MaxBackoffMs == 0 {
			h.MaxBackoffMs = 60_000
		}
		c.RateLimits[host] = h
	}
}

// RedisAddress returns host:port for the registry mirror.
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CacheDir returns the Kraken manifest/download cache directory.
func (c *Config) CacheDir() string {
	return fmt.Sprintf("%s/.cache/fixgaps/kraken", c.WorkDir)
}

// ProgressEnabled reports whether the transient status line should print.
func ProgressEnabled() bool {
	return os.Getenv("AGGR_FIXGAPS_PROGRESS") != "0"
}

// Default host policy used when a host has no explicit configuration.
func DefaultHost() Host {
	return Host{
		MinIntervalMs:     200,
		MaxRequestsPerMin: 0, // 0 = unlimited
		MaxAttempts:       6,
		BaseBackoffMs:     500,
		MaxBackoffMs:      60_000,
	}
}

// Interval returns the host's minimum request interval as a duration.
func (h Host) Interval() time.Duration {
	return time.Duration(h.MinIntervalMs) * time.Millisecond
}
