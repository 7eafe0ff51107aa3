package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the trading core and its host.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DBPath string

	// Provider selection: "coinsph", "binance" or "sim"
	Provider          string
	ProviderTimeout   time.Duration
	ProviderRateLimit float64 // requests per second
	QuoteCacheTTL     time.Duration

	// coins.ph
	CoinsPHBaseURL   string
	CoinsPHAPIKey    string
	CoinsPHAPISecret string

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Simulator
	SimSeed       int64
	SimStartPrice float64

	// Execution
	PaperMode            bool
	AutoExecuteThreshold float64

	// Scheduler
	CycleInterval           time.Duration
	MaxConcurrentStrategies int
	CandleLimit             int
	CacheFallbackLimit      int
	BotUsers                []string

	// Risk defaults for users without stored settings
	DefaultMaxDailyLoss      decimal.Decimal
	DefaultMaxLossPercent    decimal.Decimal
	DefaultTakeProfitPercent decimal.Decimal
	DayBoundary              *time.Location

	// Strategies
	StrategiesFile    string
	RemoteVariantAddr string

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileAutoSync bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/tradebot.db")
	}

	loc, err := time.LoadLocation(getEnv("DAY_BOUNDARY_TZ", "Local"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                     getEnv("PORT", "8080"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                strings.ToLower(getEnv("LOG_FORMAT", "text")),
		DBPath:                   dbPath,
		Provider:                 strings.ToLower(getEnv("PROVIDER", "sim")),
		ProviderTimeout:          getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		ProviderRateLimit:        getEnvFloat("PROVIDER_RATE_LIMIT", 10),
		QuoteCacheTTL:            getEnvDuration("QUOTE_CACHE_TTL", 2*time.Second),
		CoinsPHBaseURL:           getEnv("COINSPH_BASE_URL", "https://api.pro.coins.ph"),
		CoinsPHAPIKey:            os.Getenv("COINSPH_API_KEY"),
		CoinsPHAPISecret:         os.Getenv("COINSPH_API_SECRET"),
		BinanceAPIKey:            os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:         os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:           getEnv("BINANCE_TESTNET", "false") == "true",
		SimSeed:                  int64(getEnvInt("SIM_SEED", 0)),
		SimStartPrice:            getEnvFloat("SIM_START_PRICE", 3_500_000),
		PaperMode:                getEnv("PAPER_MODE", "true") == "true",
		AutoExecuteThreshold:     getEnvFloat("AUTO_EXECUTE_THRESHOLD", 0.7),
		CycleInterval:            getEnvDuration("CYCLE_INTERVAL", 5*time.Minute),
		MaxConcurrentStrategies:  getEnvInt("MAX_CONCURRENT_STRATEGIES", 4),
		CandleLimit:              getEnvInt("CANDLE_LIMIT", 500),
		CacheFallbackLimit:       getEnvInt("CACHE_FALLBACK_LIMIT", 100),
		BotUsers:                 splitAndTrim(getEnv("BOT_USERS", "")),
		DefaultMaxDailyLoss:      getEnvDecimal("DEFAULT_MAX_DAILY_LOSS", decimal.NewFromInt(5000)),
		DefaultMaxLossPercent:    getEnvDecimal("DEFAULT_MAX_LOSS_PERCENT", decimal.NewFromInt(2)),
		DefaultTakeProfitPercent: getEnvDecimal("DEFAULT_TAKE_PROFIT_PERCENT", decimal.NewFromInt(5)),
		DayBoundary:              loc,
		StrategiesFile:           getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		RemoteVariantAddr:        getEnv("REMOTE_VARIANT_ADDR", ""),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		ReconcileAutoSync:        getEnv("RECONCILE_AUTO_SYNC", "true") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
