package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
type Config struct {
	// Server
	ServerAddr string
	ServerPort int

	// Device identity: names this node's device-scoped slot. Defaults to
	// the hostname.
	DeviceFingerprint string

	// Local slot storage
	DataDir string

	// Database (remote slot). Optional: with no DB_HOST the service runs
	// local-only against an in-memory remote.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// MFA
	MFAIssuer        string
	MFAEncryptionKey string // 64-char hex (32 bytes), required
	BypassSigningKey string // required, signs emergency bypass tokens

	// Lockout
	LockoutMaxFailures int
	LockoutWindow      time.Duration
	LockoutDuration    time.Duration

	// Sync
	SyncAttempts       int
	SyncAttemptTimeout time.Duration
	SyncBackoffBase    time.Duration

	// Rate limiting
	RateLimit RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled                 bool
	VerifyRequestsPerMinute int
	StatusRequestsPerMinute int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Server defaults
		ServerAddr: getEnv("SERVER_ADDR", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		DeviceFingerprint: getEnv("DEVICE_FINGERPRINT", ""),
		DataDir:           getEnv("DATA_DIR", "data"),

		// Database defaults
		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "mfa_vault"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		// MFA
		MFAIssuer:        getEnv("MFA_ISSUER", "mfa-vault"),
		MFAEncryptionKey: getEnv("MFA_ENCRYPTION_KEY", ""),
		BypassSigningKey: getEnv("BYPASS_SIGNING_KEY", ""),

		// Lockout defaults: 3 failures in 15 minutes, 15 minute lock
		LockoutMaxFailures: getEnvInt("LOCKOUT_MAX_FAILURES", 3),
		LockoutWindow:      getEnvDuration("LOCKOUT_WINDOW", 15*time.Minute),
		LockoutDuration:    getEnvDuration("LOCKOUT_DURATION", 15*time.Minute),

		// Sync defaults: 3 attempts, 5s each, 1s/2s/4s backoff
		SyncAttempts:       getEnvInt("SYNC_ATTEMPTS", 3),
		SyncAttemptTimeout: getEnvDuration("SYNC_ATTEMPT_TIMEOUT", 5*time.Second),
		SyncBackoffBase:    getEnvDuration("SYNC_BACKOFF_BASE", time.Second),

		RateLimit: RateLimitConfig{
			Enabled:                 getEnvBool("RATE_LIMIT_ENABLED", true),
			VerifyRequestsPerMinute: getEnvInt("RATE_LIMIT_VERIFY_PER_MINUTE", 10),
			StatusRequestsPerMinute: getEnvInt("RATE_LIMIT_STATUS_PER_MINUTE", 60),
		},
	}

	if cfg.DeviceFingerprint == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return nil, fmt.Errorf("DEVICE_FINGERPRINT is required when the hostname is unavailable")
		}
		cfg.DeviceFingerprint = host
	}

	// Validate required fields
	if cfg.MFAEncryptionKey == "" {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is required")
	}
	if _, err := cfg.EncryptionKey(); err != nil {
		return nil, err
	}
	if cfg.BypassSigningKey == "" {
		return nil, fmt.Errorf("BYPASS_SIGNING_KEY is required")
	}

	return cfg, nil
}

// EncryptionKey decodes the 32-byte hex encryption key.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MFAEncryptionKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be 64-char hex (32 bytes)")
	}
	return key, nil
}

// HasDatabase returns true if a remote database is configured.
func (c *Config) HasDatabase() bool {
	return c.DBHost != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
