package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy-trading core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Binance
	BinanceTestnet bool
	BinanceSymbols []string
	ExchangeRPS    float64 // per-account request pacing

	// Execution
	DryRun bool

	// Master polling
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	RequestTimeout    time.Duration
	HistoryOverlap    time.Duration
	WakeStreamEnabled bool

	// Quantity allocation safety envelope (percentages)
	MaxNotionalPct      float64
	MaxLeverageUtilPct  float64
	MaxTradeRiskPct     float64
	DefaultRiskPct      float64
	FallbackFactor      float64
	DefaultMinNotional  float64
	QuantityDecimals    int32
	IntentWindow        time.Duration
	CancelMatchWindow   time.Duration
	ProcessedSetCap     int
	ProcessedSetKeep    int
	BalanceTTL          time.Duration
	HousekeepingSpec    string
	ReplicaSyncSpec     string
	FollowerParallelism int

	// Seed file with accounts and copy links (optional)
	AccountsFile string

	// Admin auth
	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string

	// Logging
	LogLevel  string
	LogFormat string

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/copytrade.db")
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              dbPath,
		BinanceTestnet:      getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceSymbols:      splitAndTrim(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")),
		ExchangeRPS:         getEnvFloat("EXCHANGE_RPS", 10),
		DryRun:              getEnv("DRY_RUN", "false") == "true",
		PollInterval:        getEnvDuration("POLL_INTERVAL", 2*time.Second),
		ErrorBackoff:        getEnvDuration("ERROR_BACKOFF", 5*time.Second),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		HistoryOverlap:      getEnvDuration("HISTORY_OVERLAP", time.Minute),
		WakeStreamEnabled:   getEnv("WAKE_STREAM_ENABLED", "false") == "true",
		MaxNotionalPct:      getEnvFloat("MAX_NOTIONAL_PCT", 20),
		MaxLeverageUtilPct:  getEnvFloat("MAX_LEVERAGE_UTILIZATION_PCT", 80),
		MaxTradeRiskPct:     getEnvFloat("MAX_TRADE_RISK_PCT", 10),
		DefaultRiskPct:      getEnvFloat("DEFAULT_RISK_PCT", 2),
		FallbackFactor:      getEnvFloat("FALLBACK_FACTOR", 0.5),
		DefaultMinNotional:  getEnvFloat("DEFAULT_MIN_NOTIONAL", 5),
		QuantityDecimals:    int32(getEnvInt("QUANTITY_DECIMALS", 8)),
		IntentWindow:        getEnvDuration("INTENT_WINDOW", 24*time.Hour),
		CancelMatchWindow:   getEnvDuration("CANCEL_MATCH_WINDOW", 5*time.Minute),
		ProcessedSetCap:     getEnvInt("PROCESSED_SET_CAP", 1000),
		ProcessedSetKeep:    getEnvInt("PROCESSED_SET_KEEP", 500),
		BalanceTTL:          getEnvDuration("BALANCE_TTL", 30*time.Second),
		HousekeepingSpec:    getEnv("HOUSEKEEPING_SPEC", "@every 1m"),
		ReplicaSyncSpec:     getEnv("REPLICA_SYNC_SPEC", "@every 30s"),
		FollowerParallelism: getEnvInt("FOLLOWER_PARALLELISM", 8),
		AccountsFile:        getEnv("ACCOUNTS_FILE", ""),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:   os.Getenv("ADMIN_PASSWORD_HASH"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "console")),
		Language:            getEnv("LANGUAGE", "en"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("ERROR_BACKOFF must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	for name, v := range map[string]float64{
		"MAX_NOTIONAL_PCT":             c.MaxNotionalPct,
		"MAX_LEVERAGE_UTILIZATION_PCT": c.MaxLeverageUtilPct,
		"MAX_TRADE_RISK_PCT":           c.MaxTradeRiskPct,
		"DEFAULT_RISK_PCT":             c.DefaultRiskPct,
	} {
		if v <= 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be in (0,100], got %v", name, v))
		}
	}
	if c.FallbackFactor <= 0 || c.FallbackFactor > 1 {
		errs = append(errs, fmt.Errorf("FALLBACK_FACTOR must be in (0,1], got %v", c.FallbackFactor))
	}
	if c.ProcessedSetCap <= 0 || c.ProcessedSetKeep <= 0 || c.ProcessedSetKeep >= c.ProcessedSetCap {
		errs = append(errs, fmt.Errorf("PROCESSED_SET_KEEP (%d) must be positive and below PROCESSED_SET_CAP (%d)",
			c.ProcessedSetKeep, c.ProcessedSetCap))
	}
	if c.QuantityDecimals < 0 || c.QuantityDecimals > 16 {
		errs = append(errs, fmt.Errorf("QUANTITY_DECIMALS out of range: %d", c.QuantityDecimals))
	}
	return errors.Join(errs...)
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
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
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
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
