// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/nexusx/gateway/internal/usdc"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, in-memory if unset)
	RedisURL    string // Redis for the reliability store (optional, in-memory if unset)

	// Proxy settings
	UpstreamTimeout time.Duration
	MaxBodySize     int64 // inbound request body cap
	MaxResponseSize int64 // proxied response body cap

	// Billing
	PlatformFeeRate       int64 // 4-decimal rate units (1200 = 12%)
	BundlePlatformFeeRate int64
	BundleSessionTTL      time.Duration

	// Route cache
	RouteCacheTTL time.Duration

	// Sandbox
	SandboxEnabled bool

	// x402 pay-per-call
	X402Enabled         bool
	X402FacilitatorURL  string
	X402Network         string
	X402PlatformAddress string

	// Demand signals
	SignalsSinkURL string

	// Reliability
	ReliabilityMaxEntries int64

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultUpstreamTimeoutMs = 30_000
	DefaultMaxBodySize       = 10 << 20 // 10 MiB
	DefaultMaxResponseSize   = 50 << 20 // 50 MiB
	DefaultRouteCacheTTLMs   = 60_000
	DefaultBundleTTLMs       = 30 * 60 * 1000
	DefaultX402Network       = "base-sepolia"
	DefaultReliabilityMax    = 1000
	DefaultPlatformFeeRate   = "0.12"
	DefaultBundleFeeRate     = "0.15"
)

// Load reads configuration from environment variables. A .env file is
// loaded first if present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	platformRate, ok := usdc.ParseRate(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate))
	if !ok {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE must be a decimal in [0, 1]")
	}
	bundleRate, ok := usdc.ParseRate(getEnv("BUNDLE_PLATFORM_FEE_RATE", DefaultBundleFeeRate))
	if !ok {
		return nil, fmt.Errorf("BUNDLE_PLATFORM_FEE_RATE must be a decimal in [0, 1]")
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		UpstreamTimeout:       time.Duration(getEnvInt64("UPSTREAM_TIMEOUT_MS", DefaultUpstreamTimeoutMs)) * time.Millisecond,
		MaxBodySize:           getEnvInt64("MAX_BODY_SIZE_BYTES", DefaultMaxBodySize),
		MaxResponseSize:       getEnvInt64("MAX_RESPONSE_SIZE_BYTES", DefaultMaxResponseSize),
		PlatformFeeRate:       platformRate,
		BundlePlatformFeeRate: bundleRate,
		BundleSessionTTL:      time.Duration(getEnvInt64("BUNDLE_SESSION_TTL_MS", DefaultBundleTTLMs)) * time.Millisecond,
		RouteCacheTTL:         time.Duration(getEnvInt64("ROUTE_CACHE_TTL_MS", DefaultRouteCacheTTLMs)) * time.Millisecond,
		SandboxEnabled:        getEnvBool("SANDBOX_ENABLED", false),
		X402Enabled:           getEnvBool("X402_ENABLED", false),
		X402FacilitatorURL:    os.Getenv("X402_FACILITATOR_URL"),
		X402Network:           getEnv("X402_NETWORK", DefaultX402Network),
		X402PlatformAddress:   os.Getenv("X402_PLATFORM_ADDRESS"),
		SignalsSinkURL:        os.Getenv("SIGNALS_SINK_URL"),
		ReliabilityMaxEntries: getEnvInt64("RELIABILITY_MAX_ENTRIES", DefaultReliabilityMax),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_MS must be positive")
	}
	if c.MaxBodySize <= 0 || c.MaxResponseSize <= 0 {
		return fmt.Errorf("body size caps must be positive")
	}
	if c.RouteCacheTTL <= 0 {
		return fmt.Errorf("ROUTE_CACHE_TTL_MS must be positive")
	}
	if c.BundleSessionTTL <= 0 {
		return fmt.Errorf("BUNDLE_SESSION_TTL_MS must be positive")
	}
	if c.X402Enabled {
		if c.X402FacilitatorURL == "" {
			return fmt.Errorf("X402_FACILITATOR_URL is required when X402_ENABLED")
		}
		if !common.IsHexAddress(c.X402PlatformAddress) {
			return fmt.Errorf("X402_PLATFORM_ADDRESS must be a valid hex address")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
