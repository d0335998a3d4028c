package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Engine    EngineConfig     `json:"engine"`
	Memory    MemoryConfig     `json:"memory"`
	Inbox     InboxConfig      `json:"inbox"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Providers []ProviderConfig `json:"providers"`
	Fallbacks map[string][]string `json:"fallbacks,omitempty"`
	Adapters  []AdapterConfig  `json:"adapters"`
	Notify    NotifyConfig     `json:"notify"`
	GraphFile string           `json:"graph_file"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EngineConfig holds task engine tunables.
type EngineConfig struct {
	WorkerCount       int    `json:"worker_count"`
	MaxRetries        int    `json:"max_retries"`
	BackoffBaseMS     int    `json:"backoff_base_ms"`
	HandlerTimeoutSec int    `json:"handler_timeout_sec"`
	LeaseSec          int    `json:"lease_sec"`
	HeartbeatSec      int    `json:"heartbeat_sec"`
	QueueStream       string `json:"queue_stream"`
	EscalationFlow    string `json:"escalation_flow,omitempty"`
}

type MemoryConfig struct {
	ChunkSize  int    `json:"chunk_size"` // approximate tokens per chunk
	Collection string `json:"collection"`
	QueryTopK  int    `json:"query_top_k"`
	BufferSize int    `json:"buffer_size"`
}

type InboxConfig struct {
	AlertThreshold  int    `json:"alert_threshold"`
	DefaultFallback string `json:"default_fallback"` // escalate|auto-reject|auto-run
	SummaryFlow     string `json:"summary_flow,omitempty"`
	EscalateReruns  bool   `json:"escalate_reruns"`
}

type SchedulerConfig struct {
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// AdapterConfig declares one flow backend: a model call bound to a provider
// or a tool endpoint.
type AdapterConfig struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // "model" or "tool"
	ProviderID string `json:"provider_id,omitempty"`
	Model      string `json:"model,omitempty"`
	System     string `json:"system,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero-valued tunables with sane defaults.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Engine.WorkerCount == 0 {
		c.Engine.WorkerCount = 4
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.BackoffBaseMS == 0 {
		c.Engine.BackoffBaseMS = 500
	}
	if c.Engine.HandlerTimeoutSec == 0 {
		c.Engine.HandlerTimeoutSec = 300
	}
	if c.Engine.LeaseSec == 0 {
		c.Engine.LeaseSec = 60
	}
	if c.Engine.HeartbeatSec == 0 {
		c.Engine.HeartbeatSec = 20
	}
	if c.Engine.QueueStream == "" {
		c.Engine.QueueStream = "foreman:tasks"
	}
	if c.Memory.ChunkSize == 0 {
		c.Memory.ChunkSize = 200
	}
	if c.Memory.Collection == "" {
		c.Memory.Collection = "chunks"
	}
	if c.Memory.QueryTopK == 0 {
		c.Memory.QueryTopK = 5
	}
	if c.Memory.BufferSize == 0 {
		c.Memory.BufferSize = 1024
	}
	if c.Inbox.AlertThreshold == 0 {
		c.Inbox.AlertThreshold = 10
	}
	if c.Inbox.DefaultFallback == "" {
		c.Inbox.DefaultFallback = "escalate"
	}
	if c.Scheduler.SweepIntervalSec == 0 {
		c.Scheduler.SweepIntervalSec = 15
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1024
	}
}

// BackoffBase returns the retry backoff base as a duration.
func (c *EngineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// HandlerTimeout returns the per-task handler timeout.
func (c *EngineConfig) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSec) * time.Second
}

// Lease returns the running-task lease duration.
func (c *EngineConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSec) * time.Second
}

// Heartbeat returns the lease extension interval.
func (c *EngineConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// SweepInterval returns the scheduler sweep cadence.
func (c *SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}
