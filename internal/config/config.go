// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string for rate-limit counters (optional)

	// Payment gateway
	StripeSecretKey string
	GatewayTimeout  time.Duration // per-charge timeout; timeouts map to processing_error

	// Retry processing
	RetryInterval  time.Duration // how often the background loop scans for due retries
	RetryBatchSize int           // max due records per scan
	RetryPause     time.Duration // delay between attempts within one scan

	// Fraud controls
	BlockThreshold     float64 // aggregate fraud score that forces a block
	ChallengeThreshold float64
	ValidateRateLimit  int // validation calls per IP per window
	ValidateRateWindow time.Duration

	// Tracing
	OTLPEndpoint string

	// Security
	AdminSecret string // Admin API secret
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultGatewayTimeout     = 15 * time.Second
	DefaultRetryInterval      = 5 * time.Minute
	DefaultRetryBatchSize     = 50
	DefaultRetryPause         = 500 * time.Millisecond
	DefaultBlockThreshold     = 0.8
	DefaultChallengeThreshold = 0.5
	DefaultValidateRateLimit  = 5
	DefaultValidateRateWindow = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		RetryInterval:      getEnvDuration("RETRY_INTERVAL", DefaultRetryInterval),
		RetryBatchSize:     int(getEnvInt64("RETRY_BATCH_SIZE", DefaultRetryBatchSize)),
		RetryPause:         getEnvDuration("RETRY_PAUSE", DefaultRetryPause),
		BlockThreshold:     getEnvFloat("BLOCK_THRESHOLD", DefaultBlockThreshold),
		ChallengeThreshold: getEnvFloat("CHALLENGE_THRESHOLD", DefaultChallengeThreshold),
		ValidateRateLimit:  int(getEnvInt64("VALIDATE_RATE_LIMIT", DefaultValidateRateLimit)),
		ValidateRateWindow: getEnvDuration("VALIDATE_RATE_WINDOW", DefaultValidateRateWindow),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.RetryBatchSize <= 0 {
		return fmt.Errorf("RETRY_BATCH_SIZE must be positive")
	}
	if c.BlockThreshold <= 0 || c.BlockThreshold > 1 {
		return fmt.Errorf("BLOCK_THRESHOLD must be in (0, 1]")
	}
	if c.ChallengeThreshold < 0 || c.ChallengeThreshold >= c.BlockThreshold {
		return fmt.Errorf("CHALLENGE_THRESHOLD must be in [0, BLOCK_THRESHOLD)")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
