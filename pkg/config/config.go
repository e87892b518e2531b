// Package config loads coordinator configuration from environment variables,
// optionally layered with a YAML tuning profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// Webhook authenticity gate.
	WebhookSecret string

	// Generative model.
	OpenAIAPIKey string
	OpenAIModel  string

	// External workflow engine.
	EngineBaseURL string
	EngineAPIKey  string

	// AI step retry tuning.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Review expiry.
	ReviewTimeout time.Duration

	// Rate limiting (per-IP on review endpoints).
	RateRPS   int
	RateBurst int

	// Optional shared-state backends for multi-instance deployments.
	RedisAddr   string
	PostgresURL string

	// Optional activity archival.
	S3Bucket string
	S3Region string

	// Optional reviewer identity.
	ReviewerJWTSecret string

	// Optional telemetry.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:          envOr("PORT", "8080"),
		LogLevel:      envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:   envOr("DATABASE_URL", "conductor.db"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  envOr("OPENAI_MODEL", "gpt-4o-mini"),

		EngineBaseURL: envOr("ENGINE_BASE_URL", "http://localhost:5678"),
		EngineAPIKey:  os.Getenv("ENGINE_API_KEY"),

		MaxRetries:   envInt("AI_MAX_RETRIES", 3),
		InitialDelay: envDuration("AI_INITIAL_DELAY", time.Second),
		MaxDelay:     envDuration("AI_MAX_DELAY", 10*time.Second),

		ReviewTimeout: envDuration("REVIEW_TIMEOUT", 72*time.Hour),

		RateRPS:   envInt("RATE_LIMIT_RPS", 10),
		RateBurst: envInt("RATE_LIMIT_BURST", 20),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		PostgresURL: os.Getenv("POSTGRES_URL"),

		S3Bucket: os.Getenv("ACTIVITY_EXPORT_BUCKET"),
		S3Region: os.Getenv("ACTIVITY_EXPORT_REGION"),

		ReviewerJWTSecret: os.Getenv("REVIEWER_JWT_SECRET"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	if path := os.Getenv("CONDUCTOR_PROFILE"); path != "" {
		if profile, err := LoadProfile(path); err == nil {
			profile.apply(cfg)
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
