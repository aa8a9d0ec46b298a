// Package backtest replays long-only strategy signals over the stored
// kline archive and scores the outcome.
package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/web3guy0/spotbot/internal/database"
)

// Simulation constants. Fees and slippage hit both sides of every
// round trip.
const (
	feeRate        = 0.001
	slippageRate   = 0.0005
	initialBalance = 10000

	maxLookbackBars = 5000
	minBacktestBars = 60
	equityCurveCap  = 500

	annualizeFactor = 252
)

// barsPerDay converts a lookback in days into a candle limit.
var barsPerDay = map[string]int{
	"1m":  1440,
	"3m":  480,
	"5m":  288,
	"15m": 96,
	"30m": 48,
	"1h":  24,
	"2h":  12,
	"4h":  6,
	"6h":  4,
	"12h": 2,
	"1d":  1,
}

// Request describes one backtest run. Params overlay the strategy
// defaults; a zero Interval or LookbackDays falls back to 1h over 30
// days.
type Request struct {
	Strategy     string `json:"strategy"`
	Symbol       string `json:"symbol"`
	Interval     string `json:"interval"`
	LookbackDays int    `json:"lookback_days"`
	Params       Params `json:"params"`
}

// Runner executes backtests against the kline archive.
type Runner struct {
	store *database.Database
}

func NewRunner(store *database.Database) *Runner {
	return &Runner{store: store}
}

// Run executes a single backtest and persists the result.
func (r *Runner) Run(req Request) (*database.BacktestResult, error) {
	strat, ok := strategyByName(req.Strategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", req.Strategy)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("backtest request needs a symbol")
	}
	if req.Interval == "" {
		req.Interval = "1h"
	}
	if req.LookbackDays <= 0 {
		req.LookbackDays = 30
	}
	perDay, ok := barsPerDay[req.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported backtest interval %q", req.Interval)
	}

	limit := req.LookbackDays * perDay
	if limit > maxLookbackBars {
		limit = maxLookbackBars
	}
	klines, err := r.store.RecentKlines(req.Symbol, req.Interval, limit)
	if err != nil {
		return nil, fmt.Errorf("loading klines: %w", err)
	}
	if len(klines) < minBacktestBars {
		return nil, fmt.Errorf("insufficient data for %s %s backtest: have %d candles, need %d",
			req.Symbol, req.Interval, len(klines), minBacktestBars)
	}

	params := strat.Defaults.merged(req.Params)
	entries, exits := strat.signals(extractSeries(klines), params)
	applyMaxHold(entries, exits, int(params.value("max_hold_bars", 0)))

	sim := simulate(klines, entries, exits)
	m := computeMetrics(sim.pnls)

	result := &database.BacktestResult{
		Strategy:        strat.Name,
		Symbol:          req.Symbol,
		Interval:        req.Interval,
		StartTime:       time.UnixMilli(klines[0].OpenTime).UTC(),
		EndTime:         time.UnixMilli(klines[len(klines)-1].OpenTime).UTC(),
		InitialBalance:  decimal.NewFromInt(initialBalance),
		FinalBalance:    decimal.NewFromFloat(sim.finalBalance).Round(8),
		TotalReturnPct:  decimal.NewFromFloat(m.totalReturn * 100).Round(4),
		Sharpe:          decimal.NewFromFloat(m.sharpe).Round(4),
		MaxDrawdownPct:  decimal.NewFromFloat(m.maxDrawdown * 100).Round(4),
		WinRate:         decimal.NewFromFloat(m.winRate).Round(4),
		ProfitFactor:    decimal.NewFromFloat(clampProfitFactor(m.profitFactor)).Round(4),
		TradesCount:     sim.trades,
		ParamsJSON:      mustJSON(params),
		EquityCurveJSON: mustJSON(sampleEquity(sim.equity)),
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.store.CreateBacktestResult(result); err != nil {
		return nil, fmt.Errorf("persisting backtest result: %w", err)
	}

	log.Info().
		Str("strategy", strat.Name).
		Str("symbol", req.Symbol).
		Str("interval", req.Interval).
		Int("trades", sim.trades).
		Str("return_pct", result.TotalReturnPct.String()).
		Msg("📈 Backtest complete")
	return result, nil
}

// equityPoint is one sampled mark of the simulated balance.
type equityPoint struct {
	Time  int64   `json:"t"`
	Value float64 `json:"v"`
}

type simResult struct {
	pnls         []float64
	trades       int
	finalBalance float64
	equity       []equityPoint
}

// simulate walks the candles long-only: a flat book enters on an entry
// signal, an open position closes on an exit signal, both at candle
// close. A position still open at the end stays unrealized; it counts
// as a trade but contributes no pnl.
func simulate(klines []database.Kline, entries, exits []bool) simResult {
	res := simResult{equity: make([]equityPoint, len(klines))}
	balance := float64(initialBalance)
	var entryPrice float64
	inPos := false

	for i, k := range klines {
		price := k.Close.InexactFloat64()
		switch {
		case !inPos && entries[i] && price > 0:
			inPos = true
			entryPrice = price
			res.trades++
		case inPos && exits[i]:
			pnl := (price-entryPrice)/entryPrice - 2*feeRate - 2*slippageRate
			balance *= 1 + pnl
			res.pnls = append(res.pnls, pnl)
			inPos = false
		}

		mark := balance
		if inPos {
			mark = balance * price / entryPrice
		}
		res.equity[i] = equityPoint{Time: k.OpenTime, Value: mark}
	}
	res.finalBalance = balance
	return res
}

type runMetrics struct {
	totalReturn  float64
	sharpe       float64
	maxDrawdown  float64
	winRate      float64
	profitFactor float64
}

// computeMetrics derives the run statistics from closed-trade returns.
// maxDrawdown is the deepest peak-to-trough fraction of the compounded
// balance curve.
func computeMetrics(pnls []float64) runMetrics {
	var m runMetrics
	if len(pnls) == 0 {
		return m
	}

	var grossWin, grossLoss float64
	wins := 0
	cum, peak := 1.0, 1.0
	for _, pnl := range pnls {
		cum *= 1 + pnl
		if cum > peak {
			peak = cum
		}
		if dd := (peak - cum) / peak; dd > m.maxDrawdown {
			m.maxDrawdown = dd
		}
		if pnl > 0 {
			wins++
			grossWin += pnl
		} else if pnl < 0 {
			grossLoss += -pnl
		}
	}

	m.totalReturn = cum - 1
	m.winRate = float64(wins) / float64(len(pnls))
	if grossLoss > 0 {
		m.profitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.profitFactor = math.Inf(1)
	}
	if len(pnls) >= 2 {
		if sd := stat.StdDev(pnls, nil); sd > 0 {
			m.sharpe = stat.Mean(pnls, nil) / sd * math.Sqrt(annualizeFactor)
		}
	}
	return m
}

func clampProfitFactor(pf float64) float64 {
	if math.IsInf(pf, 1) {
		return 999
	}
	return pf
}

// sampleEquity thins the per-bar curve to at most equityCurveCap points.
// The final mark always survives the thinning.
func sampleEquity(points []equityPoint) []equityPoint {
	if len(points) <= equityCurveCap {
		return points
	}
	step := (len(points) + equityCurveCap - 1) / equityCurveCap
	out := make([]equityPoint, 0, equityCurveCap)
	for i := 0; i < len(points); i += step {
		out = append(out, points[i])
	}
	out[len(out)-1] = points[len(points)-1]
	return out
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
