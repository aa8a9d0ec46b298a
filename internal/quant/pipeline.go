package quant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/datafeed"
)

// Analyzer cadences in ticks. One tick is one main-loop iteration.
const (
	entropyEvery     = 5
	regimeEvery      = 15
	srEvery          = 60
	performanceEvery = 360

	klineWindow    = 100
	entropyFetch   = EntropyWindow + 10
	maxTickErrors  = 10
	latestPerFetch = 3
)

// srInterval pins level clustering to hourly candles regardless of the
// primary trading interval.
const srInterval = "1h"

// Config carries the pipeline's thresholds and universe.
type Config struct {
	Symbols          []string
	PrimaryInterval  string
	EntropyBins      int
	EntropyThreshold float64
	ATRMultiplier    float64
	KellyDampener    float64
	SizingHardCap    float64
}

// Pipeline produces fresh derived features for the configured symbols on a
// tick schedule, caching results for consumers.
type Pipeline struct {
	cfg       Config
	store     *database.Database
	broker    binance.Broker
	collector *datafeed.Collector
	caches    *CacheSet

	mu         sync.Mutex
	tick       int64
	lastTickAt time.Time
	lastErrors []string
}

func NewPipeline(cfg Config, store *database.Database, broker binance.Broker, collector *datafeed.Collector, caches *CacheSet) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		collector: collector,
		caches:    caches,
	}
}

// Tick runs one pipeline iteration: collect candles, fan analyzer work out
// per symbol, join, and buffer failures. Individual failures never abort the
// tick.
func (p *Pipeline) Tick(ctx context.Context) {
	p.mu.Lock()
	p.tick++
	t := p.tick
	p.lastTickAt = time.Now().UTC()
	p.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(p.cfg.Symbols)*8)

	for _, symbol := range p.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for _, err := range p.runSymbol(ctx, symbol, t) {
				errCh <- err
			}
		}(symbol)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		p.recordError(err)
		log.Warn().Err(err).Int64("tick", t).Msg("Pipeline step failed")
	}

	if t%performanceEvery == 0 {
		for _, err := range p.updatePerformance() {
			p.recordError(err)
			log.Warn().Err(err).Msg("Performance update failed")
		}
	}
}

// runSymbol executes the per-symbol schedule for tick t and returns every
// step failure it swallowed.
func (p *Pipeline) runSymbol(ctx context.Context, symbol string, t int64) []error {
	var errs []error
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Candle collection: primary and hourly every tick, slower intervals on
	// their own cadence.
	fail(p.collect(ctx, symbol, p.cfg.PrimaryInterval))
	if p.cfg.PrimaryInterval != srInterval {
		fail(p.collect(ctx, symbol, srInterval))
	}
	if t%5 == 0 {
		fail(p.collect(ctx, symbol, "5m"))
	}
	if t%15 == 0 {
		fail(p.collect(ctx, symbol, "15m"))
	}
	if t%240 == 0 {
		fail(p.collect(ctx, symbol, "4h"))
	}
	if t%1440 == 0 {
		fail(p.collect(ctx, symbol, "1d"))
	}

	klines, err := p.recentKlines(symbol, p.cfg.PrimaryInterval, klineWindow)
	if err != nil {
		fail(err)
		return errs
	}

	if snap, err := ComputeIndicators(symbol, p.cfg.PrimaryInterval, klines); err != nil {
		fail(err)
	} else if err := p.store.UpsertIndicator(snap); err != nil {
		fail(fmt.Errorf("persist indicators %s: %w", symbol, err))
	} else {
		p.caches.Indicators.Set(symbol+":"+p.cfg.PrimaryInterval, snap)
	}

	if t%entropyEvery == 0 {
		window := klines
		if len(window) > entropyFetch {
			window = window[len(window)-entropyFetch:]
		}
		if res, err := ComputeEntropy(window, p.cfg.EntropyBins, p.cfg.EntropyThreshold); err != nil {
			fail(err)
		} else if err := p.store.UpsertEntropy(res.ToReading(symbol, p.cfg.PrimaryInterval)); err != nil {
			fail(fmt.Errorf("persist entropy %s: %w", symbol, err))
		}
	}

	if t%regimeEvery == 0 {
		if res, err := DetectRegime(klines); err != nil {
			fail(err)
		} else if err := p.store.UpsertRegime(res.ToRecord(symbol, p.cfg.PrimaryInterval)); err != nil {
			fail(fmt.Errorf("persist regime %s: %w", symbol, err))
		}
		fail(p.updateSizing(ctx, symbol))
	}

	if t%srEvery == 0 {
		if hourly, err := p.recentKlines(symbol, srInterval, klineWindow); err != nil {
			fail(err)
		} else if levels, err := ComputeSRLevels(hourly); err != nil {
			fail(err)
		} else if err := p.store.ReplaceSRLevels(symbol, srInterval, ToRecords(symbol, srInterval, levels)); err != nil {
			fail(fmt.Errorf("persist sr levels %s: %w", symbol, err))
		}
	}

	return errs
}

func (p *Pipeline) collect(ctx context.Context, symbol, interval string) error {
	if _, err := p.collector.CollectLatest(ctx, symbol, interval, latestPerFetch); err != nil {
		return err
	}
	p.caches.Klines.Delete(symbol + ":" + interval) // next read refills
	return nil
}

// recentKlines serves the analyzer window from cache, falling back to the
// store.
func (p *Pipeline) recentKlines(symbol, interval string, n int) ([]database.Kline, error) {
	key := symbol + ":" + interval
	if v, ok := p.caches.Klines.Get(key); ok {
		if klines, ok := v.([]database.Kline); ok && len(klines) >= n {
			return klines[len(klines)-n:], nil
		}
	}
	klines, err := p.store.RecentKlines(symbol, interval, n)
	if err != nil {
		return nil, fmt.Errorf("load klines %s %s: %w", symbol, interval, err)
	}
	if len(klines) > 0 {
		p.caches.Klines.Set(key, klines)
	}
	return klines, nil
}

// updateSizing refreshes the position-size recommendation for one symbol.
// A broker failure degrades to the fallback balance rather than skipping.
func (p *Pipeline) updateSizing(ctx context.Context, symbol string) error {
	var balance float64
	if account, err := p.broker.GetAccount(ctx); err == nil {
		for _, b := range account.Balances {
			if b.Asset == "USDT" {
				balance = b.Free.InexactFloat64()
				break
			}
		}
	}

	var atr, price float64
	if snap, err := p.store.LatestIndicator(symbol, p.cfg.PrimaryInterval); err == nil {
		if snap.ATR != nil {
			atr = snap.ATR.InexactFloat64()
		}
		price = snap.Close.InexactFloat64()
	}

	closed, err := p.store.AllClosedPositions()
	if err != nil {
		return fmt.Errorf("load closed positions: %w", err)
	}

	result := ComputeSizing(SizingInputs{
		Balance:       balance,
		ATR:           atr,
		Price:         price,
		Stats:         ComputeTradeStats(closed),
		ATRMultiplier: p.cfg.ATRMultiplier,
		Dampener:      p.cfg.KellyDampener,
		HardCap:       p.cfg.SizingHardCap,
	})
	if err := p.store.UpsertSizing(result.ToRecord(symbol)); err != nil {
		return fmt.Errorf("persist sizing %s: %w", symbol, err)
	}
	return nil
}

// updatePerformance recomputes all three metric windows from closed trades.
func (p *Pipeline) updatePerformance() []error {
	var errs []error
	now := time.Now().UTC()
	windows := []struct {
		metricType string
		since      time.Time
	}{
		{MetricAllTime, time.Time{}},
		{MetricRolling30, now.AddDate(0, 0, -30)},
		{MetricRolling7, now.AddDate(0, 0, -7)},
	}

	for _, w := range windows {
		var closed []database.Position
		var err error
		if w.since.IsZero() {
			closed, err = p.store.AllClosedPositions()
		} else {
			closed, err = p.store.ClosedPositionsSince(w.since)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load closed positions for %s: %w", w.metricType, err))
			continue
		}
		result, err := ComputePerformance(closed, p.cfg.KellyDampener)
		if err != nil {
			continue // thin history is normal early on
		}
		if err := p.store.UpsertPerformanceMetric(result.ToMetric(w.metricType)); err != nil {
			errs = append(errs, fmt.Errorf("persist %s metrics: %w", w.metricType, err))
		}
	}
	return errs
}

func (p *Pipeline) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErrors = append(p.lastErrors, time.Now().UTC().Format(time.RFC3339)+" "+err.Error())
	if len(p.lastErrors) > maxTickErrors {
		p.lastErrors = p.lastErrors[len(p.lastErrors)-maxTickErrors:]
	}
}

// Status reports the engine state for the operator surface.
func (p *Pipeline) Status() map[string]interface{} {
	p.mu.Lock()
	tick := p.tick
	lastAt := p.lastTickAt
	errs := make([]string, len(p.lastErrors))
	copy(errs, p.lastErrors)
	p.mu.Unlock()

	return map[string]interface{}{
		"tick":         tick,
		"last_tick_at": lastAt,
		"symbols":      p.cfg.Symbols,
		"interval":     p.cfg.PrimaryInterval,
		"errors":       errs,
		"cache": map[string]interface{}{
			"klines":     p.caches.Klines.Stats(),
			"indicators": p.caches.Indicators.Stats(),
			"snapshots":  p.caches.Snapshots.Stats(),
		},
	}
}

// Snapshot is the combined per-symbol feature view.
type Snapshot struct {
	Symbol     string                            `json:"symbol"`
	Price      decimal.Decimal                   `json:"price"`
	Indicators *database.IndicatorSnapshot       `json:"indicators,omitempty"`
	Entropy    *database.EntropyReading          `json:"entropy,omitempty"`
	Regime     *database.MarketRegime            `json:"regime,omitempty"`
	SRLevels   []database.SupportResistanceLevel `json:"sr_levels,omitempty"`
	Sizing     *database.SizingRecommendation    `json:"sizing,omitempty"`
	Blocks     []string                          `json:"trade_blocks"`
	FetchedAt  time.Time                         `json:"fetched_at"`
}

// GetSnapshot assembles (and briefly caches) the full feature view for one
// symbol. Missing pieces are omitted rather than failing the whole view.
func (p *Pipeline) GetSnapshot(symbol string) *Snapshot {
	if v, ok := p.caches.Snapshots.Get(symbol); ok {
		if snap, ok := v.(*Snapshot); ok {
			return snap
		}
	}

	snap := &Snapshot{Symbol: symbol, Blocks: []string{}, FetchedAt: time.Now().UTC()}
	if ind, err := p.store.LatestIndicator(symbol, p.cfg.PrimaryInterval); err == nil {
		snap.Indicators = ind
		snap.Price = ind.Close
	}
	if ent, err := p.store.LatestEntropy(symbol, p.cfg.PrimaryInterval); err == nil {
		snap.Entropy = ent
		if !ent.IsTradable {
			snap.Blocks = append(snap.Blocks, "entropy_not_tradable")
		}
	}
	if reg, err := p.store.LatestRegime(symbol, p.cfg.PrimaryInterval); err == nil {
		snap.Regime = reg
		if reg.Regime == database.RegimeVolatile && reg.Confidence.GreaterThan(decimal.NewFromInt(60)) {
			snap.Blocks = append(snap.Blocks, "regime_volatile")
		}
	}
	if levels, err := p.store.SRLevels(symbol, srInterval); err == nil {
		snap.SRLevels = levels
	}
	if sizing, err := p.store.LatestSizing(symbol); err == nil {
		snap.Sizing = sizing
	}

	p.caches.Snapshots.Set(symbol, snap)
	return snap
}

// TickCount returns the current tick counter.
func (p *Pipeline) TickCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tick
}
