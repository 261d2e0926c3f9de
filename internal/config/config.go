// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the databases (always absolute)
	Port             int
	LogLevel         string
	DevMode          bool
	TelegramBotToken string // Telegram bot token for trade/summary notifications

	// Defaults applied to new paper-trading sessions. Each session can
	// override these via the session controls API.
	DefaultCapital      float64
	DefaultMaxPositions int
	DefaultRiskPct      float64

	PriceCacheTTL time.Duration // How long a fetched quote stays fresh
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("PAPERTRADER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("PORT", 8010),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		DefaultCapital:      getEnvAsFloat("DEFAULT_CAPITAL", 500000),
		DefaultMaxPositions: getEnvAsInt("DEFAULT_MAX_POSITIONS", 10),
		DefaultRiskPct:      getEnvAsFloat("DEFAULT_RISK_PCT", 0.01),
		PriceCacheTTL:       time.Duration(getEnvAsInt("PRICE_CACHE_TTL_SECONDS", 120)) * time.Second,
	}

	if cfg.DefaultCapital <= 0 {
		return nil, fmt.Errorf("DEFAULT_CAPITAL must be positive, got %f", cfg.DefaultCapital)
	}
	if cfg.DefaultMaxPositions <= 0 {
		return nil, fmt.Errorf("DEFAULT_MAX_POSITIONS must be positive, got %d", cfg.DefaultMaxPositions)
	}
	if cfg.DefaultRiskPct <= 0 || cfg.DefaultRiskPct >= 1 {
		return nil, fmt.Errorf("DEFAULT_RISK_PCT must be in (0, 1), got %f", cfg.DefaultRiskPct)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if the
// variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
