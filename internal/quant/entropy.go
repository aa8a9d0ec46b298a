package quant

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/web3guy0/spotbot/internal/database"
)

const (
	// EntropyWindow is how many log-returns feed one reading.
	EntropyWindow = 30
	// minEntropyReturns is the floor below which no reading is produced.
	minEntropyReturns = 20
)

// EntropyResult is one Shannon-entropy measurement over recent log-returns.
type EntropyResult struct {
	Entropy      float64
	MaxEntropy   float64
	EntropyRatio float64
	Bins         int
	SampleSize   int
	IsTradable   bool
}

// ComputeEntropy measures how disordered recent log-returns are. The ratio is
// entropy over the maximum possible for the bin count; trading is allowed only
// while the ratio stays strictly below the threshold.
func ComputeEntropy(klines []database.Kline, bins int, threshold float64) (*EntropyResult, error) {
	if bins < 2 {
		bins = 2
	}

	returns := logReturns(klines)
	if len(returns) > EntropyWindow {
		returns = returns[len(returns)-EntropyWindow:]
	}
	if len(returns) < minEntropyReturns {
		return nil, fmt.Errorf("insufficient data for entropy: have %d returns, need %d",
			len(returns), minEntropyReturns)
	}

	maxEntropy := math.Log2(float64(bins))
	result := &EntropyResult{
		Bins:       bins,
		MaxEntropy: maxEntropy,
		SampleSize: len(returns),
	}

	lo := floats.Min(returns)
	hi := floats.Max(returns)
	if hi-lo < 1e-12 {
		// Flat returns carry no information at all.
		result.IsTradable = true
		return result, nil
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi+1e-12)
	counts := stat.Histogram(nil, dividers, sorted, nil)

	total := float64(len(sorted))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := c / total
		entropy -= p * math.Log2(p)
	}

	result.Entropy = entropy
	result.EntropyRatio = entropy / maxEntropy
	result.IsTradable = result.EntropyRatio < threshold
	return result, nil
}

// ToReading converts a result into its persisted form.
func (r *EntropyResult) ToReading(symbol, interval string) *database.EntropyReading {
	return &database.EntropyReading{
		Symbol:       symbol,
		Interval:     interval,
		Entropy:      decimal.NewFromFloat(r.Entropy),
		EntropyRatio: decimal.NewFromFloat(r.EntropyRatio),
		MaxEntropy:   decimal.NewFromFloat(r.MaxEntropy),
		Bins:         r.Bins,
		IsTradable:   r.IsTradable,
		SampleSize:   r.SampleSize,
		ComputedAt:   time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

// logReturns computes ln(c_t / c_t-1) over a kline window, skipping
// non-positive closes.
func logReturns(klines []database.Kline) []float64 {
	if len(klines) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(klines)-1)
	prev := klines[0].Close.InexactFloat64()
	for _, k := range klines[1:] {
		cur := k.Close.InexactFloat64()
		if prev > 0 && cur > 0 {
			returns = append(returns, math.Log(cur/prev))
		}
		prev = cur
	}
	return returns
}
