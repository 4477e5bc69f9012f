// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sewago/sentinel/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Risk engine
	BlockThreshold     float64
	ChallengeThreshold float64

	// Tracking
	StalenessWindow    time.Duration
	IdleEvictionWindow time.Duration
	MaxTrackingClients int

	// HTTP
	RateLimitRPM   int
	AllowedOrigins []string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultRateLimitRPM       = 120
	DefaultMaxTrackingClients = 10000
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
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		BlockThreshold:     getEnvFloat("RISK_BLOCK_THRESHOLD", 0.7),
		ChallengeThreshold: getEnvFloat("RISK_CHALLENGE_THRESHOLD", 0.3),
		StalenessWindow:    getEnvDuration("STALENESS_WINDOW", 30*time.Second),
		IdleEvictionWindow: getEnvDuration("IDLE_EVICTION_WINDOW", 10*time.Minute),
		MaxTrackingClients: int(getEnvInt64("MAX_TRACKING_CLIENTS", DefaultMaxTrackingClients)),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AllowedOrigins:     splitList(os.Getenv("ALLOWED_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.BlockThreshold <= 0 || c.BlockThreshold > 1 {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be in (0, 1], got %f", c.BlockThreshold)
	}
	if c.ChallengeThreshold <= 0 || c.ChallengeThreshold >= c.BlockThreshold {
		return fmt.Errorf("RISK_CHALLENGE_THRESHOLD must be in (0, block threshold), got %f", c.ChallengeThreshold)
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("STALENESS_WINDOW must be positive")
	}
	if c.IdleEvictionWindow < c.StalenessWindow {
		return fmt.Errorf("IDLE_EVICTION_WINDOW must be at least the staleness window")
	}
	if c.OTLPEndpoint != "" {
		if err := security.ValidateCollectorEndpoint(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT: %w", err)
		}
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

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
