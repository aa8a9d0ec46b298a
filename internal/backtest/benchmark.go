package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Preset is a tuned strategy configuration for one trading horizon.
type Preset struct {
	Name         string `json:"name"`
	Strategy     string `json:"strategy"`
	Interval     string `json:"interval"`
	LookbackDays int    `json:"lookback_days"`
	Params       Params `json:"params"`
}

// presetMatrix groups tuned configurations by horizon: scalping works
// 15m candles, intraday 1h, swing 4h. Shorter horizons get tighter
// periods and hold limits.
var presetMatrix = map[string][]Preset{
	"scalping": {
		{Name: "scalping_sma_cross", Strategy: "sma_cross", Interval: "15m", LookbackDays: 14,
			Params: Params{"fast_period": 5, "slow_period": 15, "max_hold_bars": 16}},
		{Name: "scalping_rsi_reversion", Strategy: "rsi_reversion", Interval: "15m", LookbackDays: 14,
			Params: Params{"rsi_period": 7, "oversold": 25, "overbought": 75, "max_hold_bars": 12}},
		{Name: "scalping_macd_momentum", Strategy: "macd_momentum", Interval: "15m", LookbackDays: 14,
			Params: Params{"fast_period": 6, "slow_period": 13, "signal_period": 5, "max_hold_bars": 16}},
		{Name: "scalping_bb_breakout", Strategy: "bb_breakout", Interval: "15m", LookbackDays: 14,
			Params: Params{"squeeze_threshold": 0.015, "max_hold_bars": 16}},
	},
	"intraday": {
		{Name: "intraday_sma_cross", Strategy: "sma_cross", Interval: "1h", LookbackDays: 30,
			Params: Params{"max_hold_bars": 24}},
		{Name: "intraday_rsi_reversion", Strategy: "rsi_reversion", Interval: "1h", LookbackDays: 30,
			Params: Params{"max_hold_bars": 24}},
		{Name: "intraday_macd_momentum", Strategy: "macd_momentum", Interval: "1h", LookbackDays: 30,
			Params: Params{"max_hold_bars": 24}},
		{Name: "intraday_regime_follow", Strategy: "regime_follow", Interval: "1h", LookbackDays: 30,
			Params: Params{"max_hold_bars": 36}},
		{Name: "intraday_ensemble", Strategy: "ensemble", Interval: "1h", LookbackDays: 30,
			Params: Params{"max_hold_bars": 24}},
	},
	"swing": {
		{Name: "swing_sma_cross", Strategy: "sma_cross", Interval: "4h", LookbackDays: 90,
			Params: Params{"fast_period": 20, "slow_period": 50, "max_hold_bars": 42}},
		{Name: "swing_bb_breakout", Strategy: "bb_breakout", Interval: "4h", LookbackDays: 90,
			Params: Params{"max_hold_bars": 42}},
		{Name: "swing_regime_follow", Strategy: "regime_follow", Interval: "4h", LookbackDays: 90,
			Params: Params{"adx_threshold": 20, "trend_period": 50, "max_hold_bars": 60}},
		{Name: "swing_ensemble", Strategy: "ensemble", Interval: "4h", LookbackDays: 90,
			Params: Params{"max_hold_bars": 42}},
	},
}

// Presets returns the tuned preset matrix keyed by horizon.
func Presets() map[string][]Preset { return presetMatrix }

// BenchmarkEntry ranks one preset run inside a benchmark.
type BenchmarkEntry struct {
	Rank           int             `json:"rank"`
	Preset         string          `json:"preset"`
	Strategy       string          `json:"strategy"`
	Score          decimal.Decimal `json:"score"`
	ResultID       uint            `json:"result_id"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	Sharpe         decimal.Decimal `json:"sharpe"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	WinRate        decimal.Decimal `json:"win_rate"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	TradesCount    int             `json:"trades_count"`
}

// BenchmarkReport is the ranked outcome of one horizon's presets run
// against a single symbol.
type BenchmarkReport struct {
	Symbol  string           `json:"symbol"`
	Horizon string           `json:"horizon"`
	RanAt   time.Time        `json:"ran_at"`
	Results []BenchmarkEntry `json:"results"`
}

// Benchmark runs every preset of a horizon against the symbol and ranks
// the outcomes by composite score. A failing preset is logged and
// skipped; the benchmark errors only when nothing ran.
func (r *Runner) Benchmark(symbol, horizon string) (*BenchmarkReport, error) {
	if symbol == "" {
		return nil, fmt.Errorf("benchmark request needs a symbol")
	}
	if horizon == "" {
		horizon = "intraday"
	}
	presets, ok := presetMatrix[horizon]
	if !ok {
		return nil, fmt.Errorf("unknown benchmark horizon %q", horizon)
	}

	report := &BenchmarkReport{Symbol: symbol, Horizon: horizon, RanAt: time.Now().UTC()}
	for _, preset := range presets {
		result, err := r.Run(Request{
			Strategy:     preset.Strategy,
			Symbol:       symbol,
			Interval:     preset.Interval,
			LookbackDays: preset.LookbackDays,
			Params:       preset.Params,
		})
		if err != nil {
			log.Warn().Err(err).Str("preset", preset.Name).Msg("⚠️ Benchmark preset skipped")
			continue
		}
		score := RankScore(
			result.Sharpe.InexactFloat64(),
			result.TotalReturnPct.InexactFloat64()/100,
			result.MaxDrawdownPct.InexactFloat64()/100,
			result.ProfitFactor.InexactFloat64(),
		)
		report.Results = append(report.Results, BenchmarkEntry{
			Preset:         preset.Name,
			Strategy:       result.Strategy,
			Score:          decimal.NewFromFloat(score).Round(2),
			ResultID:       result.ID,
			TotalReturnPct: result.TotalReturnPct,
			Sharpe:         result.Sharpe,
			MaxDrawdownPct: result.MaxDrawdownPct,
			WinRate:        result.WinRate,
			ProfitFactor:   result.ProfitFactor,
			TradesCount:    result.TradesCount,
		})
	}
	if len(report.Results) == 0 {
		return nil, fmt.Errorf("benchmark %s/%s: no preset produced a result", symbol, horizon)
	}

	sort.SliceStable(report.Results, func(i, j int) bool {
		return report.Results[i].Score.GreaterThan(report.Results[j].Score)
	})
	for i := range report.Results {
		report.Results[i].Rank = i + 1
	}

	log.Info().
		Str("symbol", symbol).
		Str("horizon", horizon).
		Int("ranked", len(report.Results)).
		Str("best", report.Results[0].Preset).
		Msg("📊 Benchmark complete")
	return report, nil
}

// RankScore folds the run metrics into a 0-100 composite weighted
// toward risk-adjusted return. totalReturn and maxDrawdown are
// fractions, not percentages.
func RankScore(sharpe, totalReturn, maxDrawdown, profitFactor float64) float64 {
	score := 40*clip(sharpe/2, -1, 1) +
		25*clip(totalReturn/0.2, -1, 1) +
		20*clip(1-maxDrawdown/0.2, 0, 1) +
		15*clip(profitFactor-1, 0, 1)
	return clip(score, 0, 100)
}

func clip(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
