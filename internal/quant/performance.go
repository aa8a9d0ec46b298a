package quant

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/web3guy0/spotbot/internal/database"
)

// Metric windows
const (
	MetricAllTime   = "all_time"
	MetricRolling30 = "rolling_30d"
	MetricRolling7  = "rolling_7d"
)

const annualizeFactor = 252

// PerfResult holds the performance statistics of one trade window.
type PerfResult struct {
	Sharpe        float64
	Sortino       float64
	MaxDrawdown   float64
	Calmar        float64
	WinRate       float64
	ProfitFactor  float64
	Expectancy    float64
	KellyFraction float64
	TradesCount   int
}

// ComputePerformance derives risk-adjusted statistics from closed positions,
// oldest first. Needs at least two trades for dispersion-based figures.
func ComputePerformance(closed []database.Position, dampener float64) (*PerfResult, error) {
	if len(closed) < 2 {
		return nil, fmt.Errorf("insufficient data for performance metrics: have %d closed trades, need 2", len(closed))
	}

	returns := make([]float64, 0, len(closed))
	pnls := make([]float64, 0, len(closed))
	var grossWin, grossLoss float64
	wins := 0
	for _, p := range closed {
		pnl := p.RealizedPnl.InexactFloat64()
		pnls = append(pnls, pnl)
		if notional := p.EntryNotional.InexactFloat64(); notional > 0 {
			returns = append(returns, pnl/notional)
		}
		if pnl > 0 {
			wins++
			grossWin += pnl
		} else if pnl < 0 {
			grossLoss += -pnl
		}
	}
	if len(returns) < 2 {
		return nil, fmt.Errorf("insufficient data for performance metrics: no usable returns")
	}

	result := &PerfResult{TradesCount: len(closed)}
	result.WinRate = float64(wins) / float64(len(closed))
	result.Expectancy = stat.Mean(pnls, nil)
	if grossLoss > 0 {
		result.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		result.ProfitFactor = math.Inf(1)
	}

	mean := stat.Mean(returns, nil)
	sd := stat.StdDev(returns, nil)
	if sd > 0 {
		result.Sharpe = mean / sd * math.Sqrt(annualizeFactor)
	}

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) >= 2 {
		if dsd := stat.StdDev(downside, nil); dsd > 0 {
			result.Sortino = mean / dsd * math.Sqrt(annualizeFactor)
		}
	} else if mean > 0 {
		// No losing trades: sortino degenerates, report sharpe instead.
		result.Sortino = result.Sharpe
	}

	result.MaxDrawdown = maxDrawdown(returns)
	if result.MaxDrawdown > 0 {
		result.Calmar = mean * annualizeFactor / result.MaxDrawdown
	}

	result.KellyFraction = KellyFraction(ComputeTradeStats(closed), dampener)
	return result, nil
}

// maxDrawdown walks the cumulative return curve and reports the deepest
// peak-to-trough decline as a positive fraction.
func maxDrawdown(returns []float64) float64 {
	var cum, peak, maxDD float64
	for _, r := range returns {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// ToMetric converts a result into its persisted form for one metric window.
func (r *PerfResult) ToMetric(metricType string) *database.PerformanceMetric {
	pf := r.ProfitFactor
	if math.IsInf(pf, 1) {
		pf = 999
	}
	return &database.PerformanceMetric{
		MetricType:    metricType,
		Sharpe:        decimal.NewFromFloat(r.Sharpe),
		Sortino:       decimal.NewFromFloat(r.Sortino),
		MaxDrawdown:   decimal.NewFromFloat(r.MaxDrawdown),
		Calmar:        decimal.NewFromFloat(r.Calmar),
		WinRate:       decimal.NewFromFloat(r.WinRate),
		ProfitFactor:  decimal.NewFromFloat(pf),
		Expectancy:    decimal.NewFromFloat(r.Expectancy),
		KellyFraction: decimal.NewFromFloat(r.KellyFraction),
		TradesCount:   r.TradesCount,
		ComputedAt:    time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}
