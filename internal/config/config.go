// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Processor
	StripeSecretKey     string // empty in development selects the in-process fake gateway
	StripeWebhookSecret string
	ProcessorTimeout    time.Duration
	ProcessorRetries    int

	// Payment policy
	PlatformFeePercent decimal.Decimal
	EscrowHoldPeriod   time.Duration
	MinPayoutAmount    int64 // minor units

	// Background work
	PayoutSweepInterval time.Duration // 0 disables the in-process sweep
	ReconcileInterval   time.Duration // 0 disables reconciliation

	// Security
	RateLimitRPM    int
	AuditRateLimit  int
	AuditRateWindow time.Duration
	CORSOrigins     []string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Version is stamped by the binary at startup, not read from the env.
	Version string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultPlatformFeePercent  = "2.9"
	DefaultProcessorTimeout    = 30 * time.Second
	DefaultProcessorRetries    = 2
	DefaultEscrowHoldPeriod    = 7 * 24 * time.Hour
	DefaultMinPayoutAmount     = 100
	DefaultPayoutSweepInterval = time.Hour
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultRateLimit           = 60
	DefaultAuditRateLimit      = 30
	DefaultAuditRateWindow     = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	fee, err := decimal.NewFromString(getEnv("PLATFORM_FEE_PERCENT", DefaultPlatformFeePercent))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_PERCENT must be a decimal number: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProcessorTimeout:    getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		ProcessorRetries:    int(getEnvInt64("PROCESSOR_RETRIES", DefaultProcessorRetries)),
		PlatformFeePercent:  fee,
		EscrowHoldPeriod:    getEnvDuration("ESCROW_HOLD_PERIOD", DefaultEscrowHoldPeriod),
		MinPayoutAmount:     getEnvInt64("MIN_PAYOUT_AMOUNT", DefaultMinPayoutAmount),
		PayoutSweepInterval: getEnvDuration("PAYOUT_SWEEP_INTERVAL", DefaultPayoutSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AuditRateLimit:      int(getEnvInt64("AUDIT_RATE_LIMIT", DefaultAuditRateLimit)),
		AuditRateWindow:     getEnvDuration("AUDIT_RATE_WINDOW", DefaultAuditRateWindow),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		Version:             "dev",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.StripeSecretKey != "" && !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("STRIPE_SECRET_KEY must be a secret or restricted key (sk_... or rk_...)")
	}

	if c.PlatformFeePercent.IsNegative() || c.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be in [0, 100)")
	}

	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
	}

	if c.MinPayoutAmount < DefaultMinPayoutAmount {
		return fmt.Errorf("MIN_PAYOUT_AMOUNT must be at least %d", DefaultMinPayoutAmount)
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be in [0, 1]")
	}

	if c.AuditRateLimit <= 0 || c.AuditRateWindow <= 0 {
		return fmt.Errorf("AUDIT_RATE_LIMIT and AUDIT_RATE_WINDOW must be positive")
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
