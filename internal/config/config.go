// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Kafka
	KafkaBrokers      []string // Empty disables both consumer and publisher
	OrderEventsTopic  string
	WalletEventsTopic string
	ConsumerGroup     string

	// Marketplace services
	ListingServiceURL string // Resolves listing -> farmer for payout splits
	PayoutEndpoint    string // Disbursement service for withdrawals (optional)
	PayoutSecret      string // HMAC secret for signing payout requests

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector (optional)

	// Security
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultOrderEventsTopic  = "order.delivery"
	DefaultWalletEventsTopic = "wallet.events"
	DefaultConsumerGroup     = "wallet-service"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		OrderEventsTopic:  getEnv("ORDER_EVENTS_TOPIC", DefaultOrderEventsTopic),
		WalletEventsTopic: getEnv("WALLET_EVENTS_TOPIC", DefaultWalletEventsTopic),
		ConsumerGroup:     getEnv("CONSUMER_GROUP", DefaultConsumerGroup),
		ListingServiceURL: os.Getenv("LISTING_SERVICE_URL"),
		PayoutEndpoint:    os.Getenv("PAYOUT_ENDPOINT"),
		PayoutSecret:      os.Getenv("PAYOUT_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.ListingServiceURL == "" {
			return fmt.Errorf("LISTING_SERVICE_URL is required in production")
		}
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
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

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
