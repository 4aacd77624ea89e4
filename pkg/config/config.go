// Package config provides application configuration loaded from a YAML file
// with environment-variable overrides for secrets and endpoints.
package config

import (
	"fmt"
	"time"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/resilience"
)

// ServerConfig holds HTTP server and auth settings.
type ServerConfig struct {
	Port string `yaml:"port"`
	// AuthToken is the static bearer token accepted on API requests.
	AuthToken string `yaml:"-"`
	// SignatureSecret signs unsafe-method request HMACs and stream tokens.
	SignatureSecret string `yaml:"-"`
	// SignatureWindow bounds request timestamp skew for signed requests.
	SignatureWindow time.Duration `yaml:"signature_window"`
	// StreamTokenTTL bounds the lifetime of SSE auth tokens.
	StreamTokenTTL time.Duration `yaml:"stream_token_ttl"`
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// LLMConfig holds the language-model provider settings.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"`
	Model   string `yaml:"model"`
	// Provider names the active provider for token budgeting.
	Provider string `yaml:"provider"`
	// CallTimeout bounds each individual LLM call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// TokenBudgets caps schema-context tokens per provider.
	TokenBudgets map[string]int `yaml:"token_budgets"`
}

// QueueConfig holds worker pool settings (claiming, heartbeats, shutdown).
type QueueConfig struct {
	WorkerCount             int           `yaml:"worker_count"`
	MaxConcurrentRuns       int           `yaml:"max_concurrent_runs"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	PollIntervalJitter      time.Duration `yaml:"poll_interval_jitter"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	RunTimeout              time.Duration `yaml:"run_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	OrphanThreshold         time.Duration `yaml:"orphan_threshold"`
	OrphanScanInterval      time.Duration `yaml:"orphan_scan_interval"`
}

// CacheConfig holds result-store TTLs and the fallback LRU bounds.
type CacheConfig struct {
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	ResultRefTTL time.Duration `yaml:"result_ref_ttl"`
	FallbackSize int           `yaml:"fallback_size"`
	FallbackTTL  time.Duration `yaml:"fallback_ttl"`
	// OpTimeout bounds individual cache operations.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// StreamingConfig holds transport sizing and SSE settings.
type StreamingConfig struct {
	MaxRows           int           `yaml:"max_rows"`
	PreviewRows       int           `yaml:"preview_rows"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// WebhookConfig holds delivery queue settings.
type WebhookConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	WorkerCount     int           `yaml:"worker_count"`
	ClaimInterval   time.Duration `yaml:"claim_interval"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// RetentionConfig holds data retention policies.
type RetentionConfig struct {
	CheckpointRetentionDays int           `yaml:"checkpoint_retention_days"`
	MaxCheckpointsPerThread int           `yaml:"max_checkpoints_per_thread"`
	EventTTL                time.Duration `yaml:"event_ttl"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
}

// ConnectionConfig describes one named database connection.
type ConnectionConfig struct {
	Type models.DatabaseType `yaml:"type"`
	// DSN is used by backends executed in-process (postgres).
	DSN string `yaml:"dsn"`
	// GatewayURL is used by backends reached through the SQL gateway
	// sidecar (oracle, doris).
	GatewayURL string `yaml:"gateway_url"`
	// Default marks the connection used when a request omits
	// connection_name for this backend type.
	Default bool `yaml:"default"`
}

// OrchestratorConfig holds engine-level settings.
type OrchestratorConfig struct {
	// RequireApprovalForAll forces the HITL gate for every query.
	RequireApprovalForAll bool `yaml:"require_approval_for_all"`
	// ExecuteTimeout bounds a single database execution.
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
	// ExecuteMaxRows caps rows fetched per execution. Larger than the
	// streaming inline threshold; overflow goes through result references.
	ExecuteMaxRows int `yaml:"execute_max_rows"`
}

// Config is the root application configuration.
type Config struct {
	Server       ServerConfig                `yaml:"server"`
	Redis        RedisConfig                 `yaml:"redis"`
	LLM          LLMConfig                   `yaml:"llm"`
	Orchestrator OrchestratorConfig          `yaml:"orchestrator"`
	Queue        QueueConfig                 `yaml:"queue"`
	Cache        CacheConfig                 `yaml:"cache"`
	Streaming    StreamingConfig             `yaml:"streaming"`
	Webhook      WebhookConfig               `yaml:"webhook"`
	Retention    RetentionConfig             `yaml:"retention"`
	Breaker      resilience.BreakerSettings  `yaml:"breaker"`
	Connections  map[string]ConnectionConfig `yaml:"connections"`
}

// Defaults returns a Config populated with production defaults. The YAML
// file and environment override it field by field.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			SignatureWindow: 5 * time.Minute,
			StreamTokenTTL:  5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:8000/v1",
			Model:       "default",
			Provider:    "default",
			CallTimeout: 60 * time.Second,
			TokenBudgets: map[string]int{
				"default": 6000,
			},
		},
		Orchestrator: OrchestratorConfig{
			RequireApprovalForAll: true,
			ExecuteTimeout:        600 * time.Second,
			ExecuteMaxRows:        1000,
		},
		Queue: QueueConfig{
			WorkerCount:             4,
			MaxConcurrentRuns:       16,
			PollInterval:            time.Second,
			PollIntervalJitter:      250 * time.Millisecond,
			HeartbeatInterval:       15 * time.Second,
			RunTimeout:              15 * time.Minute,
			GracefulShutdownTimeout: 30 * time.Second,
			OrphanThreshold:         2 * time.Minute,
			OrphanScanInterval:      time.Minute,
		},
		Cache: CacheConfig{
			DefaultTTL:   5 * time.Minute,
			ResultRefTTL: 6 * time.Hour,
			FallbackSize: 1024,
			FallbackTTL:  5 * time.Minute,
			OpTimeout:    5 * time.Second,
		},
		Streaming: StreamingConfig{
			MaxRows:           200,
			PreviewRows:       50,
			KeepAliveInterval: 15 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Webhook: WebhookConfig{
			MaxAttempts:     10,
			BackoffCap:      time.Hour,
			WorkerCount:     2,
			ClaimInterval:   5 * time.Second,
			DeliveryTimeout: 30 * time.Second,
		},
		Retention: RetentionConfig{
			CheckpointRetentionDays: 7,
			MaxCheckpointsPerThread: 10,
			EventTTL:                6 * time.Hour,
			CleanupInterval:         time.Hour,
		},
		Breaker:     resilience.DefaultBreakerSettings(),
		Connections: map[string]ConnectionConfig{},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.AuthToken == "" {
		return fmt.Errorf("server auth token is required (AMILA_AUTH_TOKEN)")
	}
	if c.Server.SignatureSecret == "" {
		return fmt.Errorf("signature secret is required (AMILA_SIGNATURE_SECRET)")
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue worker_count must be >= 1, got %d", c.Queue.WorkerCount)
	}
	if c.Streaming.PreviewRows > c.Streaming.MaxRows {
		return fmt.Errorf("streaming preview_rows (%d) exceeds max_rows (%d)",
			c.Streaming.PreviewRows, c.Streaming.MaxRows)
	}
	for name, conn := range c.Connections {
		if !conn.Type.Valid() {
			return fmt.Errorf("connection %q: unknown database type %q", name, conn.Type)
		}
		if conn.DSN == "" && conn.GatewayURL == "" {
			return fmt.Errorf("connection %q: one of dsn or gateway_url is required", name)
		}
	}
	return nil
}

// DefaultConnection returns the default connection name for a backend type,
// or the only connection of that type when exactly one exists.
func (c *Config) DefaultConnection(dbType models.DatabaseType) (string, error) {
	var only string
	count := 0
	for name, conn := range c.Connections {
		if conn.Type != dbType {
			continue
		}
		if conn.Default {
			return name, nil
		}
		only = name
		count++
	}
	if count == 1 {
		return only, nil
	}
	return "", fmt.Errorf("no default connection configured for %s", dbType)
}
