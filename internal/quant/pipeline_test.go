package quant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/datafeed"
)

type fakeBroker struct {
	binance.Broker
	klines []binance.KlineData
}

func (f *fakeBroker) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.KlineData, error) {
	if limit > len(f.klines) {
		limit = len(f.klines)
	}
	return f.klines[len(f.klines)-limit:], nil
}

func (f *fakeBroker) GetAccount(ctx context.Context) (*binance.Account, error) {
	return &binance.Account{
		CanTrade: true,
		Balances: []binance.Balance{{Asset: "USDT", Free: decimal.NewFromInt(10000)}},
	}, nil
}

func newTestPipeline(t *testing.T, broker *fakeBroker) (*Pipeline, *database.Database) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "quant_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := NewPipeline(Config{
		Symbols:          []string{"BTCUSDT"},
		PrimaryInterval:  "15m",
		EntropyBins:      10,
		EntropyThreshold: 0.85,
		ATRMultiplier:    1.5,
		KellyDampener:    0.5,
		SizingHardCap:    500,
	}, store, broker, datafeed.NewCollector(store, broker), NewCacheSet(16, time.Minute))
	return p, store
}

// wavyKlines produces a flat-rise-fall cycle long enough for every analyzer.
func wavyKlines(n int, interval string, stepMillis int64) []database.Kline {
	closes := make([]float64, n)
	for i := range closes {
		switch phase := i % 60; {
		case phase < 20:
			closes[i] = 100
		case phase < 40:
			closes[i] = 100 + float64(phase-19)
		default:
			closes[i] = 120 - float64(phase-39)
		}
	}
	klines := klinesFromCloses(closes, 1)
	for i := range klines {
		klines[i].Interval = interval
		klines[i].OpenTime = klines[0].OpenTime + int64(i)*stepMillis
		klines[i].CloseTime = klines[i].OpenTime + stepMillis - 1
	}
	return klines
}

func toBrokerKlines(rows []database.Kline) []binance.KlineData {
	out := make([]binance.KlineData, len(rows))
	for i, k := range rows {
		out[i] = binance.KlineData{
			OpenTime:  k.OpenTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			CloseTime: k.CloseTime,
			Trades:    k.Trades,
		}
	}
	return out
}

func TestTickRecordsErrorsOnEmptyMarket(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeBroker{})

	p.Tick(context.Background())

	assert.Equal(t, int64(1), p.TickCount())
	status := p.Status()
	assert.Equal(t, int64(1), status["tick"])
	assert.Equal(t, "15m", status["interval"])
	assert.NotEmpty(t, status["errors"], "no candles means the indicator step fails")
	assert.NotZero(t, status["last_tick_at"])
}

func TestRunSymbolFullSchedule(t *testing.T) {
	primary := wavyKlines(120, "15m", 15*60*1000)
	hourly := wavyKlines(120, "1h", 60*60*1000)
	broker := &fakeBroker{klines: toBrokerKlines(primary)}
	p, store := newTestPipeline(t, broker)

	_, err := store.UpsertKlines(primary)
	require.NoError(t, err)
	_, err = store.UpsertKlines(hourly)
	require.NoError(t, err)

	// Tick 60 lands on the entropy, regime, sizing and level cadences at
	// once.
	errs := p.runSymbol(context.Background(), "BTCUSDT", 60)
	assert.Empty(t, errs)

	ind, err := store.LatestIndicator("BTCUSDT", "15m")
	require.NoError(t, err)
	assert.NotNil(t, ind.RSI)

	ent, err := store.LatestEntropy("BTCUSDT", "15m")
	require.NoError(t, err)
	assert.Equal(t, 10, ent.Bins)

	reg, err := store.LatestRegime("BTCUSDT", "15m")
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Regime)

	sizing, err := store.LatestSizing("BTCUSDT")
	require.NoError(t, err)
	assert.NotEmpty(t, sizing.Method)
	assert.True(t, sizing.RecommendedSize.IsPositive())

	levels, err := store.SRLevels("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.NotEmpty(t, levels)
}

func TestPerformanceMetricsRefreshOnSchedule(t *testing.T) {
	p, store := newTestPipeline(t, &fakeBroker{})

	now := time.Now().UTC()
	for i, pnl := range []float64{40, -15, 25} {
		closed := now.Add(-time.Duration(i+1) * time.Hour)
		require.NoError(t, store.CreatePosition(&database.Position{
			Symbol:        "BTCUSDT",
			Status:        database.PositionClosed,
			EntryNotional: decimal.NewFromInt(1000),
			RealizedPnl:   decimal.NewFromFloat(pnl),
			ClosedAt:      &closed,
		}))
	}

	p.tick = performanceEvery - 1
	p.Tick(context.Background())

	metrics, err := store.PerformanceMetrics()
	require.NoError(t, err)
	require.Len(t, metrics, 3, "all three windows cover the recent trades")

	types := map[string]bool{}
	for _, m := range metrics {
		types[m.MetricType] = true
		assert.Equal(t, 3, m.TradesCount)
	}
	assert.True(t, types[MetricAllTime])
	assert.True(t, types[MetricRolling30])
	assert.True(t, types[MetricRolling7])
}

func TestGetSnapshotCollectsBlocks(t *testing.T) {
	p, store := newTestPipeline(t, &fakeBroker{})

	require.NoError(t, store.UpsertIndicator(&database.IndicatorSnapshot{
		Symbol:     "BTCUSDT",
		Interval:   "15m",
		CandleTime: time.Now().UnixMilli(),
		Close:      decimal.NewFromInt(50000),
	}))
	require.NoError(t, store.UpsertEntropy(&database.EntropyReading{
		Symbol:       "BTCUSDT",
		Interval:     "15m",
		EntropyRatio: decimal.NewFromFloat(0.92),
		IsTradable:   false,
	}))
	require.NoError(t, store.UpsertRegime(&database.MarketRegime{
		Symbol:     "BTCUSDT",
		Interval:   "15m",
		Regime:     database.RegimeVolatile,
		Confidence: decimal.NewFromInt(70),
	}))

	snap := p.GetSnapshot("BTCUSDT")
	require.NotNil(t, snap)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(50000)))
	assert.Contains(t, snap.Blocks, "entropy_not_tradable")
	assert.Contains(t, snap.Blocks, "regime_volatile")
}

func TestGetSnapshotCachesResult(t *testing.T) {
	p, store := newTestPipeline(t, &fakeBroker{})

	empty := p.GetSnapshot("ETHUSDT")
	require.NotNil(t, empty)
	assert.Nil(t, empty.Indicators)
	assert.Empty(t, empty.Blocks)

	require.NoError(t, store.UpsertIndicator(&database.IndicatorSnapshot{
		Symbol:     "ETHUSDT",
		Interval:   "15m",
		CandleTime: time.Now().UnixMilli(),
		Close:      decimal.NewFromInt(3000),
	}))

	// The cached empty view is served until its TTL lapses.
	again := p.GetSnapshot("ETHUSDT")
	assert.Nil(t, again.Indicators)
	assert.Equal(t, empty.FetchedAt, again.FetchedAt)
}
