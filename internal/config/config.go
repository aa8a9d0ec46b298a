package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the trading control plane
type Config struct {
	// Broker
	BinanceBaseURL   string
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceWSURL     string

	// Proxy routing (optional; direct fallback on 401/403/conn error)
	BrokerProxyURL string
	ProxySecret    string

	// Operator API
	ServerAddr    string
	BackendSecret string

	// Mode switches
	TradingEnabled bool // kill switch: false suppresses all order placement
	QuantEnabled   bool
	Debug          bool

	// Universe
	Symbols         []string
	PrimaryInterval string

	// Risk limits
	MinPositionUSD       decimal.Decimal
	MaxPositionUSD       decimal.Decimal
	MaxOpenPositions     int
	MaxPerSymbol         int
	MaxUtilization       decimal.Decimal
	MaxDailyLossUSD      decimal.Decimal
	AutoApproveThreshold decimal.Decimal
	MaxRetries           int

	// Exits and signal sizing
	StopLossPct    decimal.Decimal
	TakeProfitPct  decimal.Decimal
	SignalNotional decimal.Decimal
	SignalCooldown time.Duration

	// Quant thresholds
	EntropyThreshold decimal.Decimal
	EntropyBins      int
	ATRMultiplier    decimal.Decimal
	KellyDampener    decimal.Decimal
	SizingHardCapUSD decimal.Decimal

	// Loop cadence
	FastLoopInterval time.Duration
	MainLoopInterval time.Duration

	// Feature cache
	CacheSize int
	CacheTTL  time.Duration

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Oracle price sanity check (optional)
	OracleRPCURL      string
	OracleFeedAddress string

	// Database
	DatabaseURL string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Broker
		BinanceBaseURL:   getEnv("BINANCE_BASE_URL", "https://api.binance.com"),
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceWSURL:     getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443"),

		// Proxy
		BrokerProxyURL: os.Getenv("BROKER_PROXY_URL"),
		ProxySecret:    os.Getenv("PROXY_SECRET"),

		// Operator API
		ServerAddr:    getEnv("SERVER_ADDR", ":8000"),
		BackendSecret: os.Getenv("BACKEND_SECRET"),

		// Mode
		TradingEnabled: getEnvBool("TRADING_ENABLED", false),
		QuantEnabled:   getEnvBool("QUANT_ENABLED", true),
		Debug:          getEnvBool("DEBUG", false),

		// Universe
		Symbols:         getEnvStringSlice("SYMBOLS", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}),
		PrimaryInterval: getEnv("PRIMARY_INTERVAL", "1m"),

		// Risk limits
		MinPositionUSD:       getEnvDecimal("MIN_POSITION_USD", decimal.NewFromInt(10)),
		MaxPositionUSD:       getEnvDecimal("MAX_POSITION_USD", decimal.NewFromInt(500)),
		MaxOpenPositions:     getEnvInt("MAX_OPEN_POSITIONS", 3),
		MaxPerSymbol:         getEnvInt("MAX_PER_SYMBOL", 1),
		MaxUtilization:       getEnvDecimal("MAX_UTILIZATION", decimal.NewFromFloat(0.80)),
		MaxDailyLossUSD:      getEnvDecimal("MAX_DAILY_LOSS_USD", decimal.NewFromInt(50)),
		AutoApproveThreshold: getEnvDecimal("AUTO_APPROVE_THRESHOLD_USD", decimal.NewFromInt(100)),
		MaxRetries:           getEnvInt("MAX_RETRIES", 3),

		// Exits and signal sizing
		StopLossPct:    getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromFloat(0.02)),
		TakeProfitPct:  getEnvDecimal("TAKE_PROFIT_PCT", decimal.NewFromFloat(0.04)),
		SignalNotional: getEnvDecimal("SIGNAL_NOTIONAL_USD", decimal.NewFromInt(100)),
		SignalCooldown: getEnvDuration("SIGNAL_COOLDOWN", 240*time.Minute),

		// Quant thresholds
		EntropyThreshold: getEnvDecimal("ENTROPY_THRESHOLD", decimal.NewFromFloat(0.85)),
		EntropyBins:      getEnvInt("ENTROPY_BINS", 10),
		ATRMultiplier:    getEnvDecimal("ATR_MULTIPLIER", decimal.NewFromFloat(1.5)),
		KellyDampener:    getEnvDecimal("KELLY_DAMPENER", decimal.NewFromFloat(0.5)),
		SizingHardCapUSD: getEnvDecimal("SIZING_HARD_CAP_USD", decimal.NewFromInt(500)),

		// Loops
		FastLoopInterval: getEnvDuration("FAST_LOOP_INTERVAL", 5*time.Second),
		MainLoopInterval: getEnvDuration("MAIN_LOOP_INTERVAL", 60*time.Second),

		// Cache
		CacheSize: getEnvInt("CACHE_SIZE", 256),
		CacheTTL:  getEnvDuration("CACHE_TTL", 90*time.Second),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Oracle
		OracleRPCURL:      os.Getenv("ORACLE_RPC_URL"),
		OracleFeedAddress: os.Getenv("ORACLE_FEED_ADDRESS"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "spotbot.db"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements. Broker credentials are only
// required when live placement is possible.
func (c *Config) Validate() error {
	var problems []string

	if c.TradingEnabled && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		problems = append(problems, "TRADING_ENABLED requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if c.BrokerProxyURL != "" && c.ProxySecret == "" {
		problems = append(problems, "BROKER_PROXY_URL requires PROXY_SECRET")
	}
	if len(c.Symbols) == 0 {
		problems = append(problems, "SYMBOLS must name at least one symbol")
	}
	if c.MinPositionUSD.GreaterThan(c.MaxPositionUSD) {
		problems = append(problems, "MIN_POSITION_USD must not exceed MAX_POSITION_USD")
	}
	if c.MaxOpenPositions < 1 {
		problems = append(problems, "MAX_OPEN_POSITIONS must be at least 1")
	}
	if c.EntropyBins < 2 {
		problems = append(problems, "ENTROPY_BINS must be at least 2")
	}
	one := decimal.NewFromInt(1)
	if !c.StopLossPct.IsPositive() || !c.StopLossPct.LessThan(one) {
		problems = append(problems, "STOP_LOSS_PCT must be between 0 and 1")
	}
	if !c.TakeProfitPct.IsPositive() || !c.TakeProfitPct.LessThan(one) {
		problems = append(problems, "TAKE_PROFIT_PCT must be between 0 and 1")
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		problems = append(problems, "TELEGRAM_BOT_TOKEN requires TELEGRAM_CHAT_ID")
	}
	if c.OracleRPCURL != "" && c.OracleFeedAddress == "" {
		problems = append(problems, "ORACLE_RPC_URL requires ORACLE_FEED_ADDRESS")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, strings.ToUpper(s))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
