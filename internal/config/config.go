// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Pricing defaults (seed the global pricing config store on first start)
	DefaultSeatPrice string // Per-seat monthly price, e.g. "2.99"
	Currency         string // ISO 4217 code

	// Billing lifecycle
	SweepSchedule        string // robfig/cron spec for the billing sweep, e.g. "@every 1h"
	GracePeriodDays      int    // default per-tenant grace window after next_billing_date
	SuspendAfterDays     int    // second unpaid window past the grace cutoff
	SchedulerHistorySize int    // run summaries retained for the history endpoint

	// Side effects
	StripeSecretKey     string // Payment gateway key (optional; payments skipped if unset)
	StripeWebhookSecret string // Verifies incoming payment confirmations
	EmailAPIURL         string // Transactional email provider endpoint (optional)
	EmailAPIKey         string

	// Security
	InternalAPISecret string // Shared secret the gateway attaches to forwarded requests (optional)
	RateLimitRPS      int
	RateLimitBurst    int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultSeatPrice        = "2.99"
	DefaultCurrency         = "USD"
	DefaultSweepSchedule    = "@every 1h"
	DefaultGracePeriodDays  = 7
	DefaultSuspendAfterDays = 30
	DefaultHistorySize      = 50
	DefaultRateLimit        = 100
	DefaultRateLimitBurst   = 200
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultSeatPrice:     getEnv("DEFAULT_SEAT_PRICE", DefaultSeatPrice),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		SweepSchedule:        getEnv("BILLING_SWEEP_SCHEDULE", DefaultSweepSchedule),
		GracePeriodDays:      int(getEnvInt64("GRACE_PERIOD_DAYS", DefaultGracePeriodDays)),
		SuspendAfterDays:     int(getEnvInt64("SUSPEND_AFTER_DAYS", DefaultSuspendAfterDays)),
		SchedulerHistorySize: int(getEnvInt64("SCHEDULER_HISTORY_LIMIT", DefaultHistorySize)),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		EmailAPIURL:          os.Getenv("EMAIL_API_URL"),
		EmailAPIKey:          os.Getenv("EMAIL_API_KEY"),
		InternalAPISecret:    os.Getenv("INTERNAL_API_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and well-formed
func (c *Config) Validate() error {
	price, err := decimal.NewFromString(c.DefaultSeatPrice)
	if err != nil {
		return fmt.Errorf("DEFAULT_SEAT_PRICE must be a decimal number, got %q", c.DefaultSeatPrice)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("DEFAULT_SEAT_PRICE must be positive, got %q", c.DefaultSeatPrice)
	}

	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}

	if c.GracePeriodDays < 0 {
		return fmt.Errorf("GRACE_PERIOD_DAYS must not be negative")
	}
	if c.SuspendAfterDays < 1 {
		return fmt.Errorf("SUSPEND_AFTER_DAYS must be at least 1")
	}

	if c.StripeWebhookSecret != "" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is set but STRIPE_SECRET_KEY is not")
	}

	return nil
}

// DefaultSeatPriceDecimal returns the configured default seat price.
// Validate has already checked it parses.
func (c *Config) DefaultSeatPriceDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.DefaultSeatPrice)
	return d
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
