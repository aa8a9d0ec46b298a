package datafeed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
)

const (
	// backfillPageSize is the broker's maximum klines per request.
	backfillPageSize = 1000
	// backfillPageSleep keeps paged history pulls under the rate limit.
	backfillPageSleep = 250 * time.Millisecond
)

// Collector pulls candles from the broker into the store.
type Collector struct {
	store  *database.Database
	broker binance.Broker
}

func NewCollector(store *database.Database, broker binance.Broker) *Collector {
	return &Collector{store: store, broker: broker}
}

// CollectLatest upserts the most recent n candles for (symbol, interval).
// Re-collecting the same candles is idempotent.
func (c *Collector) CollectLatest(ctx context.Context, symbol, interval string, n int) (int, error) {
	klines, err := c.broker.GetKlines(ctx, symbol, interval, n)
	if err != nil {
		return 0, fmt.Errorf("collect %s %s: %w", symbol, interval, err)
	}
	return c.store.UpsertKlines(toRows(symbol, interval, klines))
}

// Backfill walks history forward from now-days in broker-page-sized chunks.
func (c *Collector) Backfill(ctx context.Context, symbol, interval string, days int) (int, error) {
	step := IntervalMillis(interval)
	if step == 0 {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}

	start := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	now := time.Now().UnixMilli()
	total := 0

	for start < now {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		klines, err := c.broker.GetKlinesRange(ctx, symbol, interval, backfillPageSize, start, 0)
		if err != nil {
			return total, fmt.Errorf("backfill %s %s: %w", symbol, interval, err)
		}
		if len(klines) == 0 {
			break
		}

		n, err := c.store.UpsertKlines(toRows(symbol, interval, klines))
		if err != nil {
			return total, err
		}
		total += n

		last := klines[len(klines)-1].OpenTime
		if last <= start {
			break
		}
		start = last + step

		if len(klines) < backfillPageSize {
			break
		}
		time.Sleep(backfillPageSleep)
	}

	log.Info().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("klines", total).
		Msg("📥 Backfill complete")
	return total, nil
}

// Status reports stored coverage for one (symbol, interval).
type Status struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Count     int64   `json:"count"`
	FirstOpen int64   `json:"first_open_time"`
	LastOpen  int64   `json:"last_open_time"`
	Expected  int64   `json:"expected"`
	GapPct    float64 `json:"gap_pct"`
}

// CoverageStatus compares the stored candle count for (symbol, interval)
// against what the stored time span should contain.
func (c *Collector) CoverageStatus(symbol, interval string) (*Status, error) {
	count, err := c.store.CountKlines(symbol, interval)
	if err != nil {
		return nil, err
	}
	first, last, err := c.store.KlineTimeRange(symbol, interval)
	if err != nil {
		return nil, err
	}

	st := &Status{Symbol: symbol, Interval: interval, Count: count, FirstOpen: first, LastOpen: last}
	if step := IntervalMillis(interval); step > 0 && last > first {
		st.Expected = (last-first)/step + 1
		if st.Expected > 0 {
			st.GapPct = float64(st.Expected-count) / float64(st.Expected)
			if st.GapPct < 0 {
				st.GapPct = 0
			}
		}
	}
	return st, nil
}

// FillGaps backfills any (symbol, interval) whose stored coverage has holes.
// The scheduler runs this hourly.
func (c *Collector) FillGaps(ctx context.Context, symbols []string, intervals []string, days int) {
	for _, symbol := range symbols {
		for _, interval := range intervals {
			st, err := c.CoverageStatus(symbol, interval)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("Coverage check failed")
				continue
			}
			if st.Count == 0 || st.GapPct > 0.02 {
				if _, err := c.Backfill(ctx, symbol, interval, days); err != nil {
					log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("Gap backfill failed")
				}
			}
		}
	}
}

// TrackedIntervals is the interval set coverage checks and gap fills
// walk: the configured primary interval plus the analysis timeframes.
func TrackedIntervals(primary string) []string {
	intervals := []string{"15m", "1h", "4h", "1d"}
	for _, iv := range intervals {
		if iv == primary {
			return intervals
		}
	}
	return append([]string{primary}, intervals...)
}

// IntervalMillis maps a broker interval string onto its candle width.
func IntervalMillis(interval string) int64 {
	switch interval {
	case "1m":
		return 60_000
	case "3m":
		return 180_000
	case "5m":
		return 300_000
	case "15m":
		return 900_000
	case "30m":
		return 1_800_000
	case "1h":
		return 3_600_000
	case "4h":
		return 14_400_000
	case "1d":
		return 86_400_000
	}
	return 0
}

func toRows(symbol, interval string, klines []binance.KlineData) []database.Kline {
	rows := make([]database.Kline, len(klines))
	for i, k := range klines {
		rows[i] = database.Kline{
			Symbol:        symbol,
			Interval:      interval,
			OpenTime:      k.OpenTime,
			Open:          k.Open,
			High:          k.High,
			Low:           k.Low,
			Close:         k.Close,
			Volume:        k.Volume,
			CloseTime:     k.CloseTime,
			QuoteVolume:   k.QuoteVolume,
			Trades:        k.Trades,
			TakerBuyBase:  k.TakerBuyBase,
			TakerBuyQuote: k.TakerBuyQuote,
		}
	}
	return rows
}
