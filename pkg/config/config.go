// Package config loads and validates the engine configuration from
// clara.yaml plus environment variables. Every knob has a built-in default;
// an empty file yields a runnable local configuration.
package config

import "time"

// Config is the umbrella configuration object returned by Load and handed to
// the wiring code in cmd/clara.
type Config struct {
	Engine    *EngineConfig    `yaml:"engine"`
	Limits    *LimitsConfig    `yaml:"limits"`
	Cache     *CacheConfig     `yaml:"cache"`
	LLM       *LLMConfig       `yaml:"llm"`
	Publish   *PublishConfig   `yaml:"publish"`
	Redis     *RedisConfig     `yaml:"redis"`
	HTTP      *HTTPConfig      `yaml:"http"`
	Templates map[string]string `yaml:"templates"`
}

// EngineConfig controls the scheduler loop and worker pool.
type EngineConfig struct {
	// Workers is the number of pipeline worker goroutines. Zero means
	// auto-size: min(32, 2 x active tenants) at startup.
	Workers int `yaml:"workers" validate:"min=0,max=1024"`

	// PollInterval bounds how long the scheduler sleeps when no timer
	// event (window open, daily reset) comes sooner.
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=100ms"`

	// ShutdownGrace is how long in-flight pipelines get to finish after a
	// termination signal before their contexts are cancelled.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"min=1s"`

	// RegistryReconcileInterval is how often tenant snapshots are
	// refreshed from the repository.
	RegistryReconcileInterval time.Duration `yaml:"registry_reconcile_interval" validate:"min=1s"`

	// PostParkMax caps how long a single post attempt may spend parked on
	// rate-limit deferrals before failing with quota_exceeded.
	PostParkMax time.Duration `yaml:"post_park_max" validate:"min=1s"`
}

// LimitsConfig holds the token-bucket quotas enforced by the rate-limit
// coordinator. Daily limits refill continuously over 24h.
type LimitsConfig struct {
	ClientLLMPerSec  int `yaml:"client_llm_per_sec" validate:"min=1"`
	ClientDailyLLM   int `yaml:"client_daily_llm" validate:"min=1"`
	ClientDailyPosts int `yaml:"client_daily_posts" validate:"min=1"`
	GlobalDailyLLM   int `yaml:"global_daily_llm" validate:"min=1"`
}

// CacheConfig controls the semantic response cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached entries before LRU
	// eviction.
	Capacity int `yaml:"capacity" validate:"min=0"`

	// SimilarityThreshold is the minimum cosine similarity for a semantic
	// hit.
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gt=0,lte=1"`

	// TTL is the entry lifetime; expired entries are invisible to lookups
	// and reaped by a background sweep.
	TTL time.Duration `yaml:"ttl" validate:"min=1s"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=1s"`
}

// LLMConfig holds the text-generation and embedding backend settings. The
// API key comes from the environment, never from YAML.
type LLMConfig struct {
	// BaseURL overrides the OpenAI-compatible endpoint. Empty uses the
	// provider default.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	Model          string        `yaml:"model" validate:"required"`
	EmbeddingModel string        `yaml:"embedding_model" validate:"required"`
	APIKeyEnv      string        `yaml:"api_key_env" validate:"required"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=1s"`
	MaxTokens      int           `yaml:"max_tokens" validate:"min=1"`
	Temperature    float64       `yaml:"temperature" validate:"gte=0,lte=2"`

	// MaxRetries bounds transient-error retries per generation attempt.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`
}

// PublishConfig holds the posting backend settings.
type PublishConfig struct {
	// BaseURL of the posting API; override for tests.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	Timeout time.Duration `yaml:"timeout" validate:"min=1s"`

	// MaxLength is the hard character limit enforced by validation before
	// any publish call.
	MaxLength int `yaml:"max_length" validate:"min=1"`

	// DuplicateWindow is how many recent published posts the duplication
	// check compares against.
	DuplicateWindow int `yaml:"duplicate_window" validate:"min=0"`

	// BreakerFailures is how many consecutive failures trip the circuit
	// breaker on the posting client.
	BreakerFailures int           `yaml:"breaker_failures" validate:"min=1"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" validate:"min=1s"`
}

// RedisConfig holds connection settings for the rate-limit counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// HTTPConfig holds the health/status/metrics listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}
