// Package config loads the client configuration from a YAML file.
//
// Every field has a usable default, so an empty file (or no file at all)
// yields a client talking to a single static cache node:
//
//	addr: 127.0.0.1:6500
//	timeout: 10s
//	registry:
//	  endpoints: [127.0.0.1:2379]
//	  service: dvbcache
//	  balancer: consistent_hash
//	rate_limit:
//	  qps: 1000
//	  burst: 100
//	block_cache:
//	  block_size: 262144
//	metrics:
//	  enabled: true
//	log:
//	  level: info
//	  filename: /var/log/dvbctl.log
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultAddr          = "127.0.0.1:6500"
	DefaultTimeout       = 10 * time.Second
	DefaultService       = "dvbcache"
	DefaultBalancer      = "consistent_hash"
	DefaultDialTimeout   = 3 * time.Second
	DefaultBlockSize     = 256 << 10
	DefaultCacheFiles    = 64
	DefaultBlocksPerFile = 256
	DefaultConcurrency   = 8
	DefaultMetricsNS     = "dvbcache"
	DefaultLogLevel      = "info"
	maxBlockSize         = 8 << 20 // largest request the server accepts
)

type Config struct {
	Addr       string        `yaml:"addr"`
	Timeout    time.Duration `yaml:"timeout"`
	Registry   Registry      `yaml:"registry"`
	RateLimit  RateLimit     `yaml:"rate_limit"`
	BlockCache BlockCache    `yaml:"block_cache"`
	Metrics    Metrics       `yaml:"metrics"`
	Log        Log           `yaml:"log"`
}

// Registry enables etcd discovery when Endpoints is not empty; Addr is then
// ignored.
type Registry struct {
	Endpoints   []string      `yaml:"endpoints"`
	Service     string        `yaml:"service"`
	Balancer    string        `yaml:"balancer"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RateLimit is disabled when QPS is 0.
type RateLimit struct {
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

type BlockCache struct {
	BlockSize     int `yaml:"block_size"`
	Files         int `yaml:"files"`
	BlocksPerFile int `yaml:"blocks_per_file"`
	Concurrency   int `yaml:"concurrency"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Log writes to stderr when Filename is empty.
type Log struct {
	Level      string `yaml:"level"`
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Registry.Service == "" {
		c.Registry.Service = DefaultService
	}
	if c.Registry.Balancer == "" {
		c.Registry.Balancer = DefaultBalancer
	}
	if c.Registry.DialTimeout == 0 {
		c.Registry.DialTimeout = DefaultDialTimeout
	}
	if c.RateLimit.QPS > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.QPS)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
	if c.BlockCache.BlockSize == 0 {
		c.BlockCache.BlockSize = DefaultBlockSize
	}
	if c.BlockCache.Files == 0 {
		c.BlockCache.Files = DefaultCacheFiles
	}
	if c.BlockCache.BlocksPerFile == 0 {
		c.BlockCache.BlocksPerFile = DefaultBlocksPerFile
	}
	if c.BlockCache.Concurrency == 0 {
		c.BlockCache.Concurrency = DefaultConcurrency
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNS
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// UseRegistry reports whether nodes are discovered through etcd.
func (c *Config) UseRegistry() bool {
	return len(c.Registry.Endpoints) > 0
}

func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if !c.UseRegistry() && c.Addr == "" {
		return errors.New("addr is required when no registry is configured")
	}
	switch c.Registry.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		return fmt.Errorf("unknown balancer %q", c.Registry.Balancer)
	}
	if c.RateLimit.QPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit must not be negative")
	}
	if c.BlockCache.BlockSize <= 0 || c.BlockCache.BlockSize > maxBlockSize {
		return fmt.Errorf("block_size must be in (0, %d]", maxBlockSize)
	}
	if c.BlockCache.Files <= 0 || c.BlockCache.BlocksPerFile <= 0 || c.BlockCache.Concurrency <= 0 {
		return errors.New("block_cache files, blocks_per_file and concurrency must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
