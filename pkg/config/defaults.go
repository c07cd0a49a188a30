package config

import "time"

// DefaultEngineConfig returns the built-in engine loop defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Workers:                   0, // auto-size at startup
		PollInterval:              5 * time.Second,
		ShutdownGrace:             30 * time.Second,
		RegistryReconcileInterval: 30 * time.Second,
		PostParkMax:               5 * time.Minute,
	}
}

// DefaultLimitsConfig returns the built-in quota defaults.
func DefaultLimitsConfig() *LimitsConfig {
	return &LimitsConfig{
		ClientLLMPerSec:  1,
		ClientDailyLLM:   50,
		ClientDailyPosts: 10,
		GlobalDailyLLM:   1000,
	}
}

// DefaultCacheConfig returns the built-in semantic-cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Capacity:            1000,
		SimilarityThreshold: 0.95,
		TTL:                 24 * time.Hour,
		SweepInterval:       5 * time.Minute,
	}
}

// DefaultLLMConfig returns the built-in LLM backend defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		APIKeyEnv:      "OPENAI_API_KEY",
		Timeout:        30 * time.Second,
		MaxTokens:      300,
		Temperature:    0.8,
		MaxRetries:     3,
	}
}

// DefaultPublishConfig returns the built-in posting defaults.
func DefaultPublishConfig() *PublishConfig {
	return &PublishConfig{
		BaseURL:         "https://api.x.com",
		Timeout:         15 * time.Second,
		MaxLength:       280,
		DuplicateWindow: 10,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
	}
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr: "localhost:6379",
	}
}

// DefaultHTTPConfig returns the built-in listener defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Addr: "localhost:8080",
	}
}

// defaults returns a fully populated Config with every section at its
// built-in value.
func defaults() *Config {
	return &Config{
		Engine:  DefaultEngineConfig(),
		Limits:  DefaultLimitsConfig(),
		Cache:   DefaultCacheConfig(),
		LLM:     DefaultLLMConfig(),
		Publish: DefaultPublishConfig(),
		Redis:   DefaultRedisConfig(),
		HTTP:    DefaultHTTPConfig(),
	}
}
