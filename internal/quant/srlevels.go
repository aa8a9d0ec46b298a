package quant

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"github.com/web3guy0/spotbot/internal/database"
)

const (
	maxSRClusters = 8
	// srTouchBand is the relative distance within which a candle extreme
	// counts as a touch of a level.
	srTouchBand = 0.005
	kmeansIters = 50
)

// SRLevel is one clustered support or resistance price level.
type SRLevel struct {
	Kind     string
	Price    float64
	Strength float64
	Touches  int
}

// ComputeSRLevels clusters recent highs and lows into price levels and
// classifies each against the latest close.
func ComputeSRLevels(klines []database.Kline) ([]SRLevel, error) {
	if len(klines) < 20 {
		return nil, fmt.Errorf("insufficient data for support/resistance: have %d candles, need 20", len(klines))
	}

	prices := make([]float64, 0, len(klines)*2)
	for _, k := range klines {
		prices = append(prices, k.High.InexactFloat64(), k.Low.InexactFloat64())
	}
	current := klines[len(klines)-1].Close.InexactFloat64()

	k := maxSRClusters
	if half := len(prices) / 2; half < k {
		k = half
	}
	centroids, sizes := kmeans1D(prices, k)

	levels := make([]SRLevel, 0, len(centroids))
	total := float64(len(prices))
	for i, c := range centroids {
		if sizes[i] == 0 {
			continue
		}
		touches := 0
		for _, p := range prices {
			if c > 0 && math.Abs(p-c)/c <= srTouchBand {
				touches++
			}
		}
		kind := "resistance"
		if c < current {
			kind = "support"
		}
		levels = append(levels, SRLevel{
			Kind:     kind,
			Price:    c,
			Strength: float64(sizes[i]) / total,
			Touches:  touches,
		})
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels, nil
}

// kmeans1D clusters scalar prices into k centroids, seeding them evenly
// across the observed range.
func kmeans1D(values []float64, k int) (centroids []float64, sizes []int) {
	if k < 1 {
		k = 1
	}
	lo := floats.Min(values)
	hi := floats.Max(values)

	centroids = make([]float64, k)
	if k == 1 || hi-lo < 1e-12 {
		centroids[0] = (lo + hi) / 2
		sizes = make([]int, k)
		sizes[0] = len(values)
		return centroids, sizes
	}
	floats.Span(centroids, lo, hi)

	assignments := make([]int, len(values))
	for iter := 0; iter < kmeansIters; iter++ {
		moved := false
		for i, v := range values {
			best := 0
			bestDist := math.Abs(v - centroids[0])
			for j := 1; j < k; j++ {
				if d := math.Abs(v - centroids[j]); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				moved = true
			}
		}

		sums := make([]float64, k)
		counts := make([]int, k)
		for i, v := range values {
			sums[assignments[i]] += v
			counts[assignments[i]]++
		}
		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				centroids[j] = sums[j] / float64(counts[j])
			}
		}
		if !moved && iter > 0 {
			break
		}
	}

	sizes = make([]int, k)
	for _, a := range assignments {
		sizes[a]++
	}
	return centroids, sizes
}

// ToRecords converts levels into their persisted form.
func ToRecords(symbol, interval string, levels []SRLevel) []database.SupportResistanceLevel {
	now := time.Now().UTC()
	records := make([]database.SupportResistanceLevel, len(levels))
	for i, l := range levels {
		records[i] = database.SupportResistanceLevel{
			Symbol:     symbol,
			Interval:   interval,
			Kind:       l.Kind,
			Price:      decimal.NewFromFloat(l.Price),
			Strength:   decimal.NewFromFloat(l.Strength),
			Touches:    l.Touches,
			ComputedAt: now,
		}
	}
	return records
}
