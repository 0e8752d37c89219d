package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"imbalanceBars/internal/adapters/logger" // Import the logger package for LogLevel
	"imbalanceBars/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API (only public market-data endpoints are used; keys are
	// optional but raise rate limits when present)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Market Data
	Symbol   string
	Interval string // Kline interval fed to the sampler (e.g., "1m")

	// Sampling Parameters
	Alpha          float64               // Threshold smoothing parameter, open interval (0,1)
	ExtremumSource domain.ExtremumSource // Price fields feeding bar high/low
	EmitPartial    bool                  // Whether the trailing partial span is persisted/exported

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // "std" or "zap"

	// Connection Settings (Binance client)
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Market Data
	cfg.Symbol = getEnv("SYMBOL", "ETHUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}
	cfg.Interval = getEnv("INTERVAL", "1m")
	if cfg.Interval == "" {
		errs = append(errs, "INTERVAL must be set")
	}

	// Sampling Parameters
	cfg.Alpha, err = getEnvAsFloatRequired("ALPHA")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ALPHA: %v", err))
	} else if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		// Never clamped: an alpha outside (0,1) changes where every bar
		// forms, so it is rejected outright.
		errs = append(errs, "ALPHA must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.ExtremumSource = domain.ExtremumSource(strings.ToLower(getEnv("EXTREMUM_SOURCE", string(domain.ExtremumHighLow))))
	if !cfg.ExtremumSource.IsValid() {
		errs = append(errs, fmt.Sprintf("EXTREMUM_SOURCE must be %q or %q", domain.ExtremumHighLow, domain.ExtremumClose))
	}

	cfg.EmitPartial = getEnvAsBool("EMIT_PARTIAL", false)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/imbalance_bars.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "std"))
	if cfg.LogFormat != "std" && cfg.LogFormat != "zap" {
		errs = append(errs, `LOG_FORMAT must be "std" or "zap"`)
	}

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// For non-required fields, default is acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// No default: the caller must set this explicitly.
		return 0, fmt.Errorf("required key %s is not set", key)
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
