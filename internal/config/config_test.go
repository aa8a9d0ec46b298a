package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BINANCE_BASE_URL", "BINANCE_API_KEY", "BINANCE_API_SECRET", "BINANCE_WS_URL",
		"BROKER_PROXY_URL", "PROXY_SECRET", "SERVER_ADDR", "BACKEND_SECRET",
		"TRADING_ENABLED", "QUANT_ENABLED", "DEBUG", "SYMBOLS", "PRIMARY_INTERVAL",
		"MIN_POSITION_USD", "MAX_POSITION_USD", "MAX_OPEN_POSITIONS", "MAX_PER_SYMBOL",
		"MAX_UTILIZATION", "MAX_DAILY_LOSS_USD", "AUTO_APPROVE_THRESHOLD_USD", "MAX_RETRIES",
		"STOP_LOSS_PCT", "TAKE_PROFIT_PCT", "SIGNAL_NOTIONAL_USD", "SIGNAL_COOLDOWN",
		"ENTROPY_THRESHOLD", "ENTROPY_BINS", "ATR_MULTIPLIER", "KELLY_DAMPENER",
		"SIZING_HARD_CAP_USD", "FAST_LOOP_INTERVAL", "MAIN_LOOP_INTERVAL",
		"CACHE_SIZE", "CACHE_TTL", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
		"ORACLE_RPC_URL", "ORACLE_FEED_ADDRESS", "DATABASE_URL", "LOG_LEVEL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.binance.com", cfg.BinanceBaseURL)
	assert.Equal(t, "wss://stream.binance.com:9443", cfg.BinanceWSURL)
	assert.Equal(t, ":8000", cfg.ServerAddr)
	assert.False(t, cfg.TradingEnabled)
	assert.True(t, cfg.QuantEnabled)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, "1m", cfg.PrimaryInterval)
	assert.Equal(t, 3, cfg.MaxOpenPositions)
	assert.True(t, cfg.MinPositionUSD.Equal(decimal.NewFromInt(10)))
	assert.True(t, cfg.MaxPositionUSD.Equal(decimal.NewFromInt(500)))
	assert.True(t, cfg.StopLossPct.Equal(decimal.NewFromFloat(0.02)))
	assert.Equal(t, 240*time.Minute, cfg.SignalCooldown)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Equal(t, "spotbot.db", cfg.DatabaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadParsesOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYMBOLS", "btcusdt, ethusdt")
	t.Setenv("TRADING_ENABLED", "yes")
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("MIN_POSITION_USD", "25.5")
	t.Setenv("SIGNAL_COOLDOWN", "2h")
	t.Setenv("MAX_OPEN_POSITIONS", "5")
	t.Setenv("ENTROPY_THRESHOLD", "0.9")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.True(t, cfg.TradingEnabled)
	assert.True(t, cfg.MinPositionUSD.Equal(decimal.NewFromFloat(25.5)))
	assert.Equal(t, 2*time.Hour, cfg.SignalCooldown)
	assert.Equal(t, 5, cfg.MaxOpenPositions)
	assert.True(t, cfg.EntropyThreshold.Equal(decimal.NewFromFloat(0.9)))
	assert.Equal(t, int64(12345), cfg.TelegramChatID)
}

func TestLoadFallsBackOnUnparseableValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_OPEN_POSITIONS", "junk")
	t.Setenv("FAST_LOOP_INTERVAL", "soon")
	t.Setenv("MAX_POSITION_USD", "lots")
	t.Setenv("TRADING_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxOpenPositions)
	assert.Equal(t, 5*time.Second, cfg.FastLoopInterval)
	assert.True(t, cfg.MaxPositionUSD.Equal(decimal.NewFromInt(500)))
	assert.False(t, cfg.TradingEnabled)
}

func TestLoadRejectsBadChatID(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid TELEGRAM_CHAT_ID")
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := &Config{
		TradingEnabled:   true,
		BrokerProxyURL:   "https://proxy",
		MinPositionUSD:   decimal.NewFromInt(600),
		MaxPositionUSD:   decimal.NewFromInt(500),
		MaxOpenPositions: 0,
		EntropyBins:      1,
		StopLossPct:      decimal.Zero,
		TakeProfitPct:    decimal.NewFromInt(2),
		TelegramToken:    "tok",
		OracleRPCURL:     "https://rpc",
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "TRADING_ENABLED requires")
	assert.Contains(t, msg, "BROKER_PROXY_URL requires PROXY_SECRET")
	assert.Contains(t, msg, "SYMBOLS must name at least one symbol")
	assert.Contains(t, msg, "MIN_POSITION_USD must not exceed")
	assert.Contains(t, msg, "MAX_OPEN_POSITIONS must be at least 1")
	assert.Contains(t, msg, "ENTROPY_BINS must be at least 2")
	assert.Contains(t, msg, "STOP_LOSS_PCT must be between 0 and 1")
	assert.Contains(t, msg, "TAKE_PROFIT_PCT must be between 0 and 1")
	assert.Contains(t, msg, "TELEGRAM_BOT_TOKEN requires TELEGRAM_CHAT_ID")
	assert.Contains(t, msg, "ORACLE_RPC_URL requires ORACLE_FEED_ADDRESS")
}

func TestValidatePassesSaneConfig(t *testing.T) {
	cfg := &Config{
		Symbols:          []string{"BTCUSDT"},
		MinPositionUSD:   decimal.NewFromInt(10),
		MaxPositionUSD:   decimal.NewFromInt(500),
		MaxOpenPositions: 3,
		EntropyBins:      10,
		StopLossPct:      decimal.NewFromFloat(0.02),
		TakeProfitPct:    decimal.NewFromFloat(0.04),
	}
	assert.NoError(t, cfg.Validate())
}
