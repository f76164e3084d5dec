package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds the store connection, key templates and loop
// parameters from configs/config_redis.yaml.
type RedisConfig struct {
	Redis struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		DB       int    `yaml:"db"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	// Key templates with a {chat_id} placeholder, except sched_zset
	// which is a single process-wide key.
	Keys struct {
		RawStream   string `yaml:"raw_stream"`
		FinalStream string `yaml:"final_stream"`
		AggHash     string `yaml:"agg_hash"`
		SchedZSet   string `yaml:"sched_zset"`
		ConfHash    string `yaml:"conf_hash"`
		MetricsHash string `yaml:"metrics_hash"`
	} `yaml:"keys"`

	Aggregation struct {
		WindowSecondsDefault int    `yaml:"window_seconds_default"`
		GroupName            string `yaml:"group_name"`
	} `yaml:"aggregation"`

	Workers struct {
		MaxBatch int `yaml:"max_batch"`
		BlockMS  int `yaml:"block_ms"`
	} `yaml:"workers"`

	Scheduler struct {
		IntervalMS int `yaml:"interval_ms"`
	} `yaml:"scheduler"`
}

// LoadRedisConfig reads configs/config_redis.yaml and fills defaults
// for any omitted field.
func LoadRedisConfig(path string) (*RedisConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read redis config: %w", err)
	}
	var c RedisConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse redis config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// DefaultRedisConfig returns the built-in configuration, used by tests
// and as the fallback when no file is given.
func DefaultRedisConfig() *RedisConfig {
	var c RedisConfig
	c.applyDefaults()
	return &c
}

func (c *RedisConfig) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Keys.RawStream == "" {
		c.Keys.RawStream = "stream:chat:{chat_id}"
	}
	if c.Keys.FinalStream == "" {
		c.Keys.FinalStream = "stream:final:{chat_id}"
	}
	if c.Keys.AggHash == "" {
		c.Keys.AggHash = "agg:active:{chat_id}"
	}
	if c.Keys.SchedZSet == "" {
		c.Keys.SchedZSet = "sched:flush"
	}
	if c.Keys.ConfHash == "" {
		c.Keys.ConfHash = "conf:chat:{chat_id}"
	}
	if c.Keys.MetricsHash == "" {
		c.Keys.MetricsHash = "metrics:chat:{chat_id}"
	}
	if c.Aggregation.WindowSecondsDefault == 0 {
		c.Aggregation.WindowSecondsDefault = 2
	}
	if c.Aggregation.GroupName == "" {
		c.Aggregation.GroupName = "agg_workers"
	}
	if c.Workers.MaxBatch == 0 {
		c.Workers.MaxBatch = 100
	}
	if c.Workers.BlockMS == 0 {
		c.Workers.BlockMS = 1000
	}
	if c.Scheduler.IntervalMS == 0 {
		c.Scheduler.IntervalMS = 200
	}
}

// Addr returns the host:port pair for the redis client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
