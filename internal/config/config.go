// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Web       WebConfig       `mapstructure:"web"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	DB        DBConfig        `mapstructure:"db"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int `mapstructure:"port"`
	WSSendBuffer     int `mapstructure:"ws_send_buffer"`
	ShutdownTimeout  int `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutMS int `mapstructure:"request_timeout_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// IngestConfig governs job execution behavior.
type IngestConfig struct {
	ChunkSize         int `mapstructure:"chunk_size"`
	ChunkOverlap      int `mapstructure:"chunk_overlap"`
	ReportEvery       int `mapstructure:"report_every"`
	SessionRetention  int `mapstructure:"session_retention_minutes"`
	JanitorIntervalMn int `mapstructure:"janitor_interval_minutes"`
}

// WebConfig configures the web source loader.
type WebConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// GitHubConfig configures repository ingestion.
type GitHubConfig struct {
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	Token    string `mapstructure:"token"`
	Model    string `mapstructure:"model"`
	Dims     int    `mapstructure:"dims"`
}

// VectorConfig selects the chunk store backend.
type VectorConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DBConfig controls the run-history database.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// UploadsConfig sets where raw uploads land.
type UploadsConfig struct {
	Provider  string `mapstructure:"provider"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ws_send_buffer", 256)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("server.request_timeout_ms", 60000)
	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.chunk_overlap", 200)
	v.SetDefault("ingest.report_every", 10)
	v.SetDefault("ingest.session_retention_minutes", 30)
	v.SetDefault("ingest.janitor_interval_minutes", 5)
	v.SetDefault("web.user_agent", "realtime-rag-ingest/0.1")
	v.SetDefault("web.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("github.timeout_seconds", 30)
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dims", 256)
	v.SetDefault("vector.provider", "memory")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("uploads.provider", "local")
	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("uploads.max_size_mb", 32)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be > 0")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be >= 0 and < ingest.chunk_size")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Embedding.Provider {
	case "local", "openai":
	default:
		return fmt.Errorf("embedding.provider must be local or openai, got %q", c.Embedding.Provider)
	}
	switch c.Vector.Provider {
	case "memory":
	case "pgvector":
		if c.Vector.DSN == "" {
			return fmt.Errorf("vector.dsn must be set when vector.provider is pgvector")
		}
	default:
		return fmt.Errorf("vector.provider must be memory or pgvector, got %q", c.Vector.Provider)
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	default:
		return fmt.Errorf("db.provider must be memory or postgres, got %q", c.DB.Provider)
	}
	switch c.Uploads.Provider {
	case "local", "memory":
	case "gcs":
		if c.Uploads.GCSBucket == "" {
			return fmt.Errorf("uploads.gcs_bucket must be set when uploads.provider is gcs")
		}
	default:
		return fmt.Errorf("uploads.provider must be local, memory, or gcs, got %q", c.Uploads.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// RequestTimeout converts the configured request timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMS) * time.Millisecond
}

// SessionRetention converts the retention window into a duration.
func (c Config) SessionRetention() time.Duration {
	return time.Duration(c.Ingest.SessionRetention) * time.Minute
}

// JanitorInterval converts the janitor sweep interval into a duration.
func (c Config) JanitorInterval() time.Duration {
	return time.Duration(c.Ingest.JanitorIntervalMn) * time.Minute
}
