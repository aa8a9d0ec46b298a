package quant

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/database"
)

const (
	// riskPctPerTrade is the fraction of free balance risked per entry.
	riskPctPerTrade = 0.02
	// minKellyTrades is the closed-trade history needed before the Kelly
	// fraction is trusted.
	minKellyTrades = 10
	// kellyCeiling caps the damped fraction.
	kellyCeiling = 0.25
	// fallbackBalance stands in when the broker is unreachable.
	fallbackBalance = 10000.0
)

// TradeStats summarizes closed-trade outcomes for Kelly sizing.
type TradeStats struct {
	Count   int
	WinRate float64
	AvgWin  float64 // mean realized gain of winners
	AvgLoss float64 // mean realized loss of losers, as a positive magnitude
}

// ComputeTradeStats aggregates closed positions into win/loss statistics.
func ComputeTradeStats(closed []database.Position) TradeStats {
	stats := TradeStats{Count: len(closed)}
	if len(closed) == 0 {
		return stats
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, p := range closed {
		pnl := p.RealizedPnl.InexactFloat64()
		if pnl > 0 {
			wins++
			winSum += pnl
		} else if pnl < 0 {
			losses++
			lossSum += -pnl
		}
	}
	stats.WinRate = float64(wins) / float64(len(closed))
	if wins > 0 {
		stats.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		stats.AvgLoss = lossSum / float64(losses)
	}
	return stats
}

// KellyFraction returns the damped Kelly fraction for the given stats,
// clamped to [0, kellyCeiling]. Zero when history is too thin to trust.
func KellyFraction(stats TradeStats, dampener float64) float64 {
	if stats.Count < minKellyTrades || stats.AvgLoss <= 0 || stats.AvgWin <= 0 {
		return 0
	}
	b := stats.AvgWin / stats.AvgLoss
	p := stats.WinRate
	q := 1 - p
	f := (p*b - q) / b * dampener
	if f < 0 {
		return 0
	}
	return math.Min(f, kellyCeiling)
}

// SizingInputs feeds one sizing recommendation.
type SizingInputs struct {
	Balance       float64 // free quote balance; <= 0 uses fallbackBalance
	ATR           float64
	Price         float64
	Stats         TradeStats
	ATRMultiplier float64
	Dampener      float64
	HardCap       float64
}

// SizingResult is the recommended position size in quote currency.
type SizingResult struct {
	KellyFraction float64
	KellySize     float64
	ATRSize       float64
	Recommended   float64
	MaxCap        float64
	Method        string // kelly_atr, atr_only, fixed_pct
}

// ComputeSizing bounds the risk amount by the ATR stop distance and the
// damped Kelly fraction, under a hard dollar cap.
func ComputeSizing(in SizingInputs) *SizingResult {
	balance := in.Balance
	if balance <= 0 {
		balance = fallbackBalance
	}
	riskAmount := balance * riskPctPerTrade

	result := &SizingResult{MaxCap: in.HardCap}

	if in.ATR > 0 && in.Price > 0 && in.ATRMultiplier > 0 {
		qty := riskAmount / (in.ATRMultiplier * in.ATR)
		result.ATRSize = qty * in.Price
	}

	result.KellyFraction = KellyFraction(in.Stats, in.Dampener)
	if result.KellyFraction > 0 {
		result.KellySize = result.KellyFraction * balance
	}

	switch {
	case result.KellySize > 0 && result.ATRSize > 0:
		result.Method = "kelly_atr"
		result.Recommended = math.Min(result.KellySize, result.ATRSize)
	case result.ATRSize > 0:
		result.Method = "atr_only"
		result.Recommended = result.ATRSize
	default:
		result.Method = "fixed_pct"
		result.Recommended = riskAmount
	}
	if result.Recommended > in.HardCap {
		result.Recommended = in.HardCap
	}

	return result
}

// ToRecord converts a result into its persisted form.
func (r *SizingResult) ToRecord(symbol string) *database.SizingRecommendation {
	return &database.SizingRecommendation{
		Symbol:          symbol,
		KellyFraction:   decimal.NewFromFloat(r.KellyFraction),
		KellySize:       decimal.NewFromFloat(r.KellySize),
		ATRSize:         decimal.NewFromFloat(r.ATRSize),
		RecommendedSize: decimal.NewFromFloat(r.Recommended),
		MaxCap:          decimal.NewFromFloat(r.MaxCap),
		Method:          r.Method,
		ComputedAt:      time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
}
