// Package config loads the process configuration: one YAML document plus
// environment overrides for deploy-time values. Everything is resolved at
// startup; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Redis       RedisConfig                 `yaml:"redis"`
	Postgres    PostgresConfig              `yaml:"postgres"`
	Events      EventsConfig                `yaml:"events"`
	Downstreams map[string]DownstreamConfig `yaml:"downstreams"`
	Streaming   StreamingConfig             `yaml:"streaming"`
	Patterns    PatternsConfig              `yaml:"patterns"`
	Workflow    WorkflowConfig              `yaml:"workflow"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// RateLimitPerMinute bounds workflow submissions per tenant rate key.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// EventsConfig controls the durable platform event fan-out. When ProjectID is
// empty the process runs on the in-memory bus only.
type EventsConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	SuccessThreshold uint32 `yaml:"success_threshold"`
	CooldownSeconds  int    `yaml:"cooldown_seconds"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

type DownstreamConfig struct {
	BaseURL    string        `yaml:"base_url"`
	TimeoutMs  int           `yaml:"timeout_ms"`
	MaxConns   int           `yaml:"max_conns"`
	MaxRetries int           `yaml:"max_retries"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

func (d DownstreamConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

type StreamingConfig struct {
	MaxQueueSize         int           `yaml:"max_queue_size"`
	BatchSize            int           `yaml:"batch_size"`
	FlushIntervalMs      int           `yaml:"flush_interval_ms"`
	WriteStallTimeoutSec int           `yaml:"write_stall_timeout_seconds"`
	DLQMaxSize           int           `yaml:"dlq_max_size"`
	DLQMaxAttempts       int           `yaml:"dlq_max_attempts"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

func (s StreamingConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

func (s StreamingConfig) WriteStallTimeout() time.Duration {
	return time.Duration(s.WriteStallTimeoutSec) * time.Second
}

type PatternsConfig struct {
	Backend       string  `yaml:"backend"` // redis, postgres or memory
	TTLDays       int     `yaml:"ttl_days"`
	MinConfidence float64 `yaml:"min_confidence"`
	DecayPerDay   float64 `yaml:"decay_per_day"`
	StreamKey     string  `yaml:"stream_key"`
	ConsumerGroup string  `yaml:"consumer_group"`
}

func (p PatternsConfig) TTL() time.Duration {
	return time.Duration(p.TTLDays) * 24 * time.Hour
}

type WorkflowConfig struct {
	MaxConcurrentSteps int    `yaml:"max_concurrent_steps"`
	DefaultMode        string `yaml:"default_mode"` // strict or best-effort
	DefaultModel       string `yaml:"default_model"`
	DefaultTimeoutSec  int    `yaml:"default_timeout_seconds"`
	PlanTimeoutSec     int    `yaml:"plan_timeout_seconds"`
	HistorySize        int    `yaml:"history_size"`
}

func (w WorkflowConfig) DefaultTimeout() time.Duration {
	return time.Duration(w.DefaultTimeoutSec) * time.Second
}

func (w WorkflowConfig) PlanTimeout() time.Duration {
	return time.Duration(w.PlanTimeoutSec) * time.Second
}

// Load reads the YAML document at path, fills defaults and applies
// environment overrides. An empty path yields the default configuration
// (still subject to environment overrides).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8090"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = 120
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "mage-platform-events"
	}

	if c.Streaming.MaxQueueSize == 0 {
		c.Streaming.MaxQueueSize = 50
	}
	if c.Streaming.BatchSize == 0 {
		c.Streaming.BatchSize = 5
	}
	if c.Streaming.FlushIntervalMs == 0 {
		c.Streaming.FlushIntervalMs = 100
	}
	if c.Streaming.WriteStallTimeoutSec == 0 {
		c.Streaming.WriteStallTimeoutSec = 30
	}
	if c.Streaming.DLQMaxSize == 0 {
		c.Streaming.DLQMaxSize = 100
	}
	if c.Streaming.DLQMaxAttempts == 0 {
		c.Streaming.DLQMaxAttempts = 3
	}
	if c.Streaming.Breaker.FailureThreshold == 0 {
		c.Streaming.Breaker.FailureThreshold = 5
	}
	if c.Streaming.Breaker.SuccessThreshold == 0 {
		c.Streaming.Breaker.SuccessThreshold = 1
	}
	if c.Streaming.Breaker.CooldownSeconds == 0 {
		c.Streaming.Breaker.CooldownSeconds = 30
	}

	if c.Patterns.Backend == "" {
		c.Patterns.Backend = "redis"
	}
	if c.Patterns.TTLDays == 0 {
		c.Patterns.TTLDays = 30
	}
	if c.Patterns.MinConfidence == 0 {
		c.Patterns.MinConfidence = 0.7
	}
	if c.Patterns.DecayPerDay == 0 {
		c.Patterns.DecayPerDay = 0.99
	}
	if c.Patterns.StreamKey == "" {
		c.Patterns.StreamKey = "mage:outcomes"
	}
	if c.Patterns.ConsumerGroup == "" {
		c.Patterns.ConsumerGroup = "pattern-learners"
	}

	if c.Workflow.MaxConcurrentSteps == 0 {
		c.Workflow.MaxConcurrentSteps = 5
	}
	if c.Workflow.DefaultMode == "" {
		c.Workflow.DefaultMode = "best-effort"
	}
	if c.Workflow.DefaultModel == "" {
		c.Workflow.DefaultModel = "mage-planner-1"
	}
	if c.Workflow.DefaultTimeoutSec == 0 {
		c.Workflow.DefaultTimeoutSec = 600
	}
	if c.Workflow.PlanTimeoutSec == 0 {
		c.Workflow.PlanTimeoutSec = 60
	}
	if c.Workflow.HistorySize == 0 {
		c.Workflow.HistorySize = 256
	}

	if c.Downstreams == nil {
		c.Downstreams = make(map[string]DownstreamConfig)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("MAGE_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("MAGE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MAGE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MAGE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("MAGE_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("MAGE_PUBSUB_PROJECT"); v != "" {
		c.Events.ProjectID = v
	}
	if v := os.Getenv("MAGE_PUBSUB_TOPIC"); v != "" {
		c.Events.Topic = v
	}
	if v := os.Getenv("MAGE_PATTERN_BACKEND"); v != "" {
		c.Patterns.Backend = v
	}

	for name, env := range map[string]string{
		"sandbox":     "MAGE_SANDBOX_URL",
		"fileprocess": "MAGE_FILEPROCESS_URL",
		"cyberagent":  "MAGE_CYBERAGENT_URL",
		"mageagent":   "MAGE_MAGEAGENT_URL",
		"graphrag":    "MAGE_GRAPHRAG_URL",
	} {
		if v := os.Getenv(env); v != "" {
			d := c.Downstreams[name]
			d.BaseURL = v
			c.Downstreams[name] = d
		}
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Patterns.Backend {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown pattern backend %q", c.Patterns.Backend)
	}
	switch c.Workflow.DefaultMode {
	case "strict", "best-effort":
	default:
		return fmt.Errorf("config: unknown workflow mode %q", c.Workflow.DefaultMode)
	}
	if c.Patterns.Backend == "postgres" && c.Postgres.DSN == "" {
		return fmt.Errorf("config: pattern backend postgres requires postgres.dsn")
	}
	if c.Patterns.MinConfidence < 0 || c.Patterns.MinConfidence > 1 {
		return fmt.Errorf("config: patterns.min_confidence must be within [0,1]")
	}
	if c.Patterns.DecayPerDay <= 0 || c.Patterns.DecayPerDay > 1 {
		return fmt.Errorf("config: patterns.decay_per_day must be within (0,1]")
	}
	return nil
}
