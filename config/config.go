package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"tradeagent/internal/adapters/logger"
	"tradeagent/internal/ports"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading universe
	SupportedCoins []string
	QuoteAsset     string

	// Risk policy
	MaxLeverage    int
	MaxMarginPct   float64 // Per-position margin cap as a fraction of account value
	MaxExposurePct float64 // Projected total notional cap as a fraction of account value

	// Execution
	TakerFeeRate float64

	// Reporting
	SharpeCutoff     time.Time // Closed trades before this are excluded from the Sharpe ratio
	SnapshotInterval time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel zapcore.Level
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading universe
	coins := getEnv("SUPPORTED_COINS", "BTC,ETH,SOL,BNB,XRP,DOGE")
	for _, c := range strings.Split(coins, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			cfg.SupportedCoins = append(cfg.SupportedCoins, c)
		}
	}
	if len(cfg.SupportedCoins) == 0 {
		errs = append(errs, "SUPPORTED_COINS must name at least one coin")
	}
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))

	// Risk policy
	cfg.MaxLeverage, err = getEnvAsIntRequired("MAX_LEVERAGE", 20)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_LEVERAGE: %v", err))
	} else if cfg.MaxLeverage <= 0 {
		errs = append(errs, "MAX_LEVERAGE must be positive")
	}

	cfg.MaxMarginPct, err = getEnvAsFloatRequired("MAX_MARGIN_PCT", 0.25)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_MARGIN_PCT: %v", err))
	} else if cfg.MaxMarginPct <= 0 || cfg.MaxMarginPct > 1.0 {
		errs = append(errs, "MAX_MARGIN_PCT must be between 0.0 (exclusive) and 1.0")
	}

	cfg.MaxExposurePct, err = getEnvAsFloatRequired("MAX_EXPOSURE_PCT", 3.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_EXPOSURE_PCT: %v", err))
	} else if cfg.MaxExposurePct <= 0 {
		errs = append(errs, "MAX_EXPOSURE_PCT must be positive")
	}

	// Execution
	cfg.TakerFeeRate, err = getEnvAsFloatRequired("TAKER_FEE_RATE", 0.0005)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKER_FEE_RATE: %v", err))
	} else if cfg.TakerFeeRate < 0 || cfg.TakerFeeRate >= 0.01 {
		errs = append(errs, "TAKER_FEE_RATE must be between 0.0 and 0.01")
	}

	// Reporting
	cutoffStr := getEnv("SHARPE_CUTOFF", "")
	if cutoffStr != "" {
		cfg.SharpeCutoff, err = time.Parse("2006-01-02", cutoffStr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid SHARPE_CUTOFF (want YYYY-MM-DD): %v", err))
		}
	}

	snapshotMinutes := getEnvAsInt("SNAPSHOT_INTERVAL_MINUTES", 60)
	if snapshotMinutes <= 0 {
		errs = append(errs, "SNAPSHOT_INTERVAL_MINUTES must be positive")
	}
	cfg.SnapshotInterval = time.Duration(snapshotMinutes) * time.Minute

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/tradeagent.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
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
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
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
