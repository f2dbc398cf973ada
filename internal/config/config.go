// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the convergence engine.
type Config struct {
	// HTTP
	Port string

	// Storage
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Exchange info API
	ExchangeAPIURL  string
	FetchTimeout    time.Duration
	ExchangeRPS     float64
	MidsTTL         time.Duration
	FetchBatchSize  int
	FetchBatchDelay time.Duration

	// Signals
	SignalExpiry    time.Duration
	MaxLeverage     float64
	PositionTTL     time.Duration
	Retention       time.Duration
	BacktestHorizon time.Duration

	// Schedules
	SynthInterval    time.Duration
	PositionInterval time.Duration
	QualityInterval  time.Duration
	ExpirySweep      time.Duration

	// Wallets registered at startup
	SeedWallets []string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    time.Duration(getEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second,

		ExchangeAPIURL:  getEnv("EXCHANGE_API_URL", ""),
		FetchTimeout:    time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 10)) * time.Second,
		ExchangeRPS:     getEnvFloat("EXCHANGE_RPS", 5),
		MidsTTL:         time.Duration(getEnvInt("MIDS_TTL_SECONDS", 5)) * time.Second,
		FetchBatchSize:  getEnvInt("FETCH_BATCH_SIZE", 10),
		FetchBatchDelay: time.Duration(getEnvInt("FETCH_BATCH_DELAY_MS", 500)) * time.Millisecond,

		SignalExpiry:    time.Duration(getEnvInt("SIGNAL_EXPIRY_HOURS", 4)) * time.Hour,
		MaxLeverage:     getEnvFloat("MAX_LEVERAGE", 10),
		PositionTTL:     time.Duration(getEnvInt("POSITION_TTL_MINUTES", 30)) * time.Minute,
		Retention:       time.Duration(getEnvInt("RETENTION_DAYS", 90)) * 24 * time.Hour,
		BacktestHorizon: time.Duration(getEnvInt("BACKTEST_HORIZON_HOURS", 168)) * time.Hour,

		SynthInterval:    time.Duration(getEnvInt("SYNTH_INTERVAL_SECONDS", 300)) * time.Second,
		PositionInterval: time.Duration(getEnvInt("POSITION_INTERVAL_SECONDS", 60)) * time.Second,
		QualityInterval:  time.Duration(getEnvInt("QUALITY_INTERVAL_MINUTES", 360)) * time.Minute,
		ExpirySweep:      time.Duration(getEnvInt("EXPIRY_SWEEP_SECONDS", 60)) * time.Second,

		SeedWallets: getEnvList("SEED_WALLETS"),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.ExchangeAPIURL == "" {
		return fmt.Errorf("EXCHANGE_API_URL is required")
	}
	if !strings.HasPrefix(c.ExchangeAPIURL, "http://") && !strings.HasPrefix(c.ExchangeAPIURL, "https://") {
		return fmt.Errorf("EXCHANGE_API_URL must be an http(s) URL")
	}
	if c.SignalExpiry <= 0 {
		return fmt.Errorf("SIGNAL_EXPIRY_HOURS must be positive")
	}
	if c.MaxLeverage < 1 {
		return fmt.Errorf("MAX_LEVERAGE must be at least 1")
	}
	if c.ExchangeRPS <= 0 {
		return fmt.Errorf("EXCHANGE_RPS must be positive")
	}
	if c.FetchBatchSize < 1 {
		return fmt.Errorf("FETCH_BATCH_SIZE must be at least 1")
	}
	if c.FetchBatchDelay < 0 {
		return fmt.Errorf("FETCH_BATCH_DELAY_MS must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"FETCH_TIMEOUT_SECONDS":     c.FetchTimeout,
		"POSITION_TTL_MINUTES":      c.PositionTTL,
		"RETENTION_DAYS":            c.Retention,
		"BACKTEST_HORIZON_HOURS":    c.BacktestHorizon,
		"SYNTH_INTERVAL_SECONDS":    c.SynthInterval,
		"POSITION_INTERVAL_SECONDS": c.PositionInterval,
		"QUALITY_INTERVAL_MINUTES":  c.QualityInterval,
		"EXPIRY_SWEEP_SECONDS":      c.ExpirySweep,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR")
	}

	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskedDatabaseURL returns the database URL with most characters hidden for logging.
func (c *Config) MaskedDatabaseURL() string {
	return maskSecret(c.DatabaseURL)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
