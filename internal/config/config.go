// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration for the agentpayd service.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional shared TokenVault index backend

	// Credential / key material
	CredentialID  string // master credential id used to derive the AES key
	AESKeyHex     string // 32-byte AES-256 key, hex-encoded
	ReceiptSecret string // loaded but not read by any component; payment tokens are not HMAC-signed

	// Chain mapping
	ChainIDMapPath string // path to an internal-id -> EVM chain-id JSON table; loaded but never opened
	DefaultChainID int64  // loaded but not read; a 402 challenge without a network is rejected

	// Payment / policy defaults
	DefaultDailyCapUSD    string
	DefaultPerTxCapUSD    string
	PaymentTimeout        time.Duration
	HighValueThresholdUSD string

	// Security
	AdminSecret  string
	RateLimitRPS int
}

// Base-mainnet-equivalent defaults, mirrored from the teacher's config so
// local development has a working chain target out of the box.
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultChainID               = 8453 // Base mainnet
	DefaultDailyCapUSD           = "100.00"
	DefaultPerTxCapUSD           = "25.00"
	DefaultPaymentTimeout        = 30 * time.Second
	DefaultHighValueThresholdUSD = "1000.00"
	DefaultRateLimit             = 100
)

// Load reads configuration from environment variables, loading a local
// .env file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		CredentialID:          os.Getenv("CREDENTIAL_ID"),
		AESKeyHex:             os.Getenv("AES_KEY_HEX"),
		ReceiptSecret:         os.Getenv("RECEIPT_SECRET"),
		ChainIDMapPath:        os.Getenv("CHAIN_ID_MAP_PATH"),
		DefaultChainID:        getEnvInt64("DEFAULT_CHAIN_ID", DefaultChainID),
		DefaultDailyCapUSD:    getEnv("DEFAULT_DAILY_CAP_USD", DefaultDailyCapUSD),
		DefaultPerTxCapUSD:    getEnv("DEFAULT_PER_TX_CAP_USD", DefaultPerTxCapUSD),
		PaymentTimeout:        getEnvDuration("PAYMENT_TIMEOUT", DefaultPaymentTimeout),
		HighValueThresholdUSD: getEnv("HIGH_VALUE_THRESHOLD_USD", DefaultHighValueThresholdUSD),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.CredentialID == "" {
		return fmt.Errorf("CREDENTIAL_ID is required")
	}

	key := c.AESKeyHex
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if key != "" && len(key) != 64 {
		return fmt.Errorf("AES_KEY_HEX must be 64 hex characters (32 bytes), with or without 0x prefix")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
