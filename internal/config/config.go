// Package config loads the dispatcher configuration from a YAML file with
// environment-variable fallbacks for deployment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the timing knobs.
const (
	DefaultPingInterval              = 300_000 * time.Millisecond
	DefaultCheckLastActivityInterval = 120_000 * time.Millisecond
	DefaultCheckTransactionInterval  = 180_000 * time.Millisecond
	DefaultIdleTime                  = 600_000 * time.Millisecond
	DefaultMinElectionTimeout        = 0
	DefaultMaxElectionTimeout        = 60_000 * time.Millisecond
)

// Duration is a time.Duration that decodes YAML scalars in either Go
// duration syntax ("300s", "2m") or bare milliseconds (300000).
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if v, err := time.ParseDuration(s); err == nil {
			*d = Duration(v)
			return nil
		}
	}
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// Config is the full dispatcher process configuration.
type Config struct {
	RedisAddr string `yaml:"redis_address"`
	RedisDB   int    `yaml:"redis_db"`
	HTTPAddr  string `yaml:"http_address"`

	// Prefix scopes every key and channel per environment; may be empty.
	Prefix string `yaml:"prefix"`
	// InstanceName is the group key for leader election among dispatcher
	// replicas.
	InstanceName string `yaml:"instance_name"`
	// IncomerUUID is the baseUUID this dispatcher process registers for
	// itself; empty means a fresh UUID per run.
	IncomerUUID string `yaml:"incomer_uuid"`

	PingInterval              Duration `yaml:"ping_interval"`
	CheckLastActivityInterval Duration `yaml:"check_last_activity_interval"`
	CheckTransactionInterval  Duration `yaml:"check_transaction_interval"`
	IdleTime                  Duration `yaml:"idle_time"`
	MinElectionTimeout        Duration `yaml:"min_election_timeout"`
	MaxElectionTimeout        Duration `yaml:"max_election_timeout"`
}

// Load reads the YAML file at path when non-empty, then applies env
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("EVBUS_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("EVBUS_INSTANCE_NAME"); v != "" {
		cfg.InstanceName = v
	}
	if v := os.Getenv("EVBUS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8342"
	}
	if c.InstanceName == "" {
		c.InstanceName = "dispatcher"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = Duration(DefaultPingInterval)
	}
	if c.CheckLastActivityInterval <= 0 {
		c.CheckLastActivityInterval = Duration(DefaultCheckLastActivityInterval)
	}
	if c.CheckTransactionInterval <= 0 {
		c.CheckTransactionInterval = Duration(DefaultCheckTransactionInterval)
	}
	if c.IdleTime <= 0 {
		c.IdleTime = Duration(DefaultIdleTime)
	}
	if c.MinElectionTimeout < 0 {
		c.MinElectionTimeout = Duration(DefaultMinElectionTimeout)
	}
	if c.MaxElectionTimeout <= 0 {
		c.MaxElectionTimeout = Duration(DefaultMaxElectionTimeout)
	}
	if c.MaxElectionTimeout < c.MinElectionTimeout {
		c.MaxElectionTimeout = c.MinElectionTimeout
	}
}
