// Package config loads runtime settings from the environment, with a .env
// file as a fallback for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MaxRetryAttempts bounds STORE_RETRY_ATTEMPTS.
const MaxRetryAttempts = 10

// Cache backends.
const (
	CacheRedis = "redis"
	CacheLocal = "local"
	CacheNone  = "none"
)

type Config struct {
	DevMode  bool
	LogLevel string
	Addr     string

	FrontendURL string

	// Tables
	SessionsTable string
	LeasesTable   string
	RequestsTable string
	LedgerTable   string
	UsersTable    string

	// Lifetimes
	EditTTL            time.Duration
	LongTTL            time.Duration
	RequestTTL         time.Duration
	MinRenewalInterval time.Duration
	SavedRetention     time.Duration

	// Store
	RetryAttempts int
	RetryUnit     time.Duration
	RetryMaxDelay time.Duration
	RateLimit     float64

	// Cache
	CacheBackend       string
	RedisAddr          string
	RedisPasswordParam string
	CacheTTL           time.Duration
	CacheJitter        time.Duration

	// Secrets and keys
	KMSKeyID              string
	JWTSecretParam        string
	APIGatewaySecretParam string
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DevMode:  getEnv("DEV_MODE", "false") == "true",
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Addr:     getEnv("SERVER_ADDR", ":8080"),

		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),

		SessionsTable: getEnv("EDITING_SESSIONS_TABLE", "EditSessions"),
		LeasesTable:   getEnv("EDIT_LEASES_TABLE", "EditLeases"),
		RequestsTable: getEnv("EDIT_REQUESTS_TABLE", "EditRequests"),
		LedgerTable:   getEnv("CHANGE_LEDGER_TABLE", "ChangeLedger"),
		UsersTable:    getEnv("USERS_TABLE", "Users"),

		EditTTL:            time.Duration(getEnvInt("EDIT_SESSION_TTL_MINUTES", 30)) * time.Minute,
		LongTTL:            time.Duration(getEnvInt("LONG_SESSION_TTL_MINUTES", 480)) * time.Minute,
		RequestTTL:         time.Duration(getEnvInt("REQUEST_TTL_MINUTES", 5)) * time.Minute,
		MinRenewalInterval: time.Duration(getEnvInt("MIN_RENEWAL_INTERVAL_SECONDS", 30)) * time.Second,
		SavedRetention:     time.Duration(getEnvInt("SAVED_RETENTION_DAYS", 30)) * 24 * time.Hour,

		RetryAttempts: getEnvInt("STORE_RETRY_ATTEMPTS", 8),
		RetryUnit:     time.Duration(getEnvInt("STORE_RETRY_UNIT_MS", 50)) * time.Millisecond,
		RetryMaxDelay: time.Duration(getEnvInt("STORE_RETRY_MAX_DELAY_MS", 5000)) * time.Millisecond,
		RateLimit:     getEnvFloat("STORE_RATE_LIMIT", 0),

		CacheBackend:       getEnv("CACHE_BACKEND", CacheNone),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPasswordParam: getEnv("REDIS_PASSWORD_PARAM", "/cadsync/redis-password"),
		CacheTTL:           time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		CacheJitter:        time.Duration(getEnvInt("CACHE_JITTER_SECONDS", 30)) * time.Second,

		KMSKeyID:              getEnv("KMS_KEY_ID", "alias/cadsync-ledger-key"),
		JWTSecretParam:        getEnv("JWT_SECRET_PARAM", "/cadsync/jwt-secret"),
		APIGatewaySecretParam: getEnv("API_GATEWAY_SECRET_PARAM", "/cadsync/api-gateway-secret"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RetryAttempts < 1 || c.RetryAttempts > MaxRetryAttempts {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be between 1 and %d, got %d", MaxRetryAttempts, c.RetryAttempts)
	}
	if c.EditTTL <= 0 {
		return fmt.Errorf("EDIT_SESSION_TTL_MINUTES must be positive")
	}
	if c.LongTTL < c.EditTTL {
		return fmt.Errorf("LONG_SESSION_TTL_MINUTES must not be shorter than EDIT_SESSION_TTL_MINUTES")
	}
	if c.RequestTTL <= 0 {
		return fmt.Errorf("REQUEST_TTL_MINUTES must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("STORE_RATE_LIMIT must not be negative")
	}
	switch c.CacheBackend {
	case CacheRedis, CacheLocal, CacheNone:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
