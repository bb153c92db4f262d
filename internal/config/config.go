package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for both binaries.
type Config struct {
	// Server
	Port       int    `env:"PORT" envDefault:"8000"`
	HealthPort int    `env:"HEALTH_PORT" envDefault:"8081"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Identifies the knowledge-base deployment. Never derived from DB_URL.
	ProjectRef string `env:"PROJECT_REF" envDefault:"local"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Upload limits
	MaxUploadSize    int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes
	MaxContentLength int   `env:"MAX_CONTENT_LENGTH" envDefault:"5000"`  // runes kept from uploaded files

	// Store
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres"` // "postgres" or "memory"
	DBURL         string `env:"DB_URL"`

	// Queue
	QueueProvider string `env:"QUEUE_PROVIDER" envDefault:"nats"` // "nats" or "local" (index inline)
	QueueURL      string `env:"QUEUE_URL"`

	// Cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"redis"` // "redis" or "none"
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// Embeddings
	EmbeddingProvider  string `env:"EMBEDDING_PROVIDER" envDefault:"hash"` // "hash" (deterministic) or "openai"
	EmbeddingDimension int    `env:"EMBEDDING_DIMENSION" envDefault:"1536"`
	EmbeddingModel     string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`

	// LLM
	LLMProvider string `env:"LLM_PROVIDER" envDefault:"extractive"` // "extractive" or "openai"
	OpenAIKey   string `env:"OPENAI_API_KEY"`
	LLMModel    string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
