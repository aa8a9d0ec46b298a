package backtest

import (
	"github.com/markcheno/go-talib"

	"github.com/web3guy0/spotbot/internal/database"
)

// Params tunes a single run. Values overlay the strategy defaults.
type Params map[string]float64

func (p Params) value(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) merged(over Params) Params {
	out := make(Params, len(p)+len(over))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Strategy pairs a signal generator with its published defaults. Every
// strategy honors max_hold_bars (0 disables the forced exit).
type Strategy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Defaults    Params `json:"default_params"`

	signals func(s series, p Params) (entries, exits []bool)
}

var strategies = []Strategy{
	{
		Name:        "sma_cross",
		Description: "Fast/slow moving-average crossover trend following",
		Defaults:    Params{"fast_period": 10, "slow_period": 30, "max_hold_bars": 0},
		signals:     smaCrossSignals,
	},
	{
		Name:        "rsi_reversion",
		Description: "Buy the recovery out of oversold, sell the drop out of overbought",
		Defaults:    Params{"rsi_period": 14, "oversold": 30, "overbought": 70, "max_hold_bars": 0},
		signals:     rsiReversionSignals,
	},
	{
		Name:        "macd_momentum",
		Description: "MACD histogram zero-line momentum",
		Defaults:    Params{"fast_period": 12, "slow_period": 26, "signal_period": 9, "max_hold_bars": 0},
		signals:     macdMomentumSignals,
	},
	{
		Name:        "bb_breakout",
		Description: "Bollinger squeeze release breaking the upper band",
		Defaults:    Params{"bb_period": 20, "bb_dev": 2, "squeeze_threshold": 0.02, "max_hold_bars": 0},
		signals:     bbBreakoutSignals,
	},
	{
		Name:        "regime_follow",
		Description: "Ride ADX-confirmed trends above the long moving average",
		Defaults:    Params{"adx_period": 14, "adx_threshold": 25, "trend_period": 30, "max_hold_bars": 0},
		signals:     regimeFollowSignals,
	},
	{
		Name:        "ensemble",
		Description: "Majority vote of the SMA, MACD and RSI views",
		Defaults:    Params{"min_votes": 2, "max_hold_bars": 0},
		signals:     ensembleSignals,
	},
}

// Strategies lists every available strategy with its defaults.
func Strategies() []Strategy {
	out := make([]Strategy, len(strategies))
	copy(out, strategies)
	return out
}

func strategyByName(name string) (Strategy, bool) {
	for _, s := range strategies {
		if s.Name == name {
			return s, true
		}
	}
	return Strategy{}, false
}

// Series extracted from a kline window, oldest first.
type series struct {
	closes []float64
	highs  []float64
	lows   []float64
}

func extractSeries(klines []database.Kline) series {
	s := series{
		closes: make([]float64, len(klines)),
		highs:  make([]float64, len(klines)),
		lows:   make([]float64, len(klines)),
	}
	for i, k := range klines {
		s.closes[i] = k.Close.InexactFloat64()
		s.highs[i] = k.High.InexactFloat64()
		s.lows[i] = k.Low.InexactFloat64()
	}
	return s
}

// Crossover primitives. talib leaves warmup slots at zero, so callers
// must not evaluate these below their indicator's warmup index.

func crossAbove(a, b []float64, i int) bool {
	return i > 0 && a[i] > b[i] && a[i-1] <= b[i-1]
}

func crossBelow(a, b []float64, i int) bool {
	return i > 0 && a[i] < b[i] && a[i-1] >= b[i-1]
}

func crossUpLevel(v []float64, level float64, i int) bool {
	return i > 0 && v[i] > level && v[i-1] <= level
}

func crossDownLevel(v []float64, level float64, i int) bool {
	return i > 0 && v[i] < level && v[i-1] >= level
}

func smaCrossSignals(s series, p Params) (entries, exits []bool) {
	fastPeriod := int(p.value("fast_period", 10))
	slowPeriod := int(p.value("slow_period", 30))
	fast := talib.Sma(s.closes, fastPeriod)
	slow := talib.Sma(s.closes, slowPeriod)

	n := len(s.closes)
	entries, exits = make([]bool, n), make([]bool, n)
	for i := slowPeriod; i < n; i++ {
		entries[i] = crossAbove(fast, slow, i)
		exits[i] = crossBelow(fast, slow, i)
	}
	return entries, exits
}

func rsiReversionSignals(s series, p Params) (entries, exits []bool) {
	period := int(p.value("rsi_period", 14))
	oversold := p.value("oversold", 30)
	overbought := p.value("overbought", 70)
	rsi := talib.Rsi(s.closes, period)

	n := len(s.closes)
	entries, exits = make([]bool, n), make([]bool, n)
	for i := period + 1; i < n; i++ {
		entries[i] = crossUpLevel(rsi, oversold, i)
		exits[i] = crossDownLevel(rsi, overbought, i)
	}
	return entries, exits
}

func macdMomentumSignals(s series, p Params) (entries, exits []bool) {
	fastPeriod := int(p.value("fast_period", 12))
	slowPeriod := int(p.value("slow_period", 26))
	signalPeriod := int(p.value("signal_period", 9))
	_, _, hist := talib.Macd(s.closes, fastPeriod, slowPeriod, signalPeriod)

	n := len(s.closes)
	entries, exits = make([]bool, n), make([]bool, n)
	for i := slowPeriod + signalPeriod; i < n; i++ {
		entries[i] = crossUpLevel(hist, 0, i)
		exits[i] = crossDownLevel(hist, 0, i)
	}
	return entries, exits
}

func bbBreakoutSignals(s series, p Params) (entries, exits []bool) {
	period := int(p.value("bb_period", 20))
	dev := p.value("bb_dev", 2)
	squeezeThreshold := p.value("squeeze_threshold", 0.02)
	upper, middle, lower := talib.BBands(s.closes, period, dev, dev, 0)

	n := len(s.closes)
	squeeze := make([]bool, n)
	for i := range squeeze {
		if middle[i] > 0 {
			squeeze[i] = (upper[i]-lower[i])/middle[i] < squeezeThreshold
		}
	}

	entries, exits = make([]bool, n), make([]bool, n)
	for i := period + 1; i < n; i++ {
		// A breakout is only tradable coming out of a tight range.
		entries[i] = squeeze[i-1] && !squeeze[i] && s.closes[i] > upper[i]
		exits[i] = s.closes[i] < middle[i]
	}
	return entries, exits
}

func regimeFollowSignals(s series, p Params) (entries, exits []bool) {
	adxPeriod := int(p.value("adx_period", 14))
	adxThreshold := p.value("adx_threshold", 25)
	trendPeriod := int(p.value("trend_period", 30))
	adx := talib.Adx(s.highs, s.lows, s.closes, adxPeriod)
	sma := talib.Sma(s.closes, trendPeriod)

	warm := 2 * adxPeriod
	if trendPeriod+1 > warm {
		warm = trendPeriod + 1
	}

	n := len(s.closes)
	entries, exits = make([]bool, n), make([]bool, n)
	for i := warm; i < n; i++ {
		favorable := adx[i] > adxThreshold && s.closes[i] > sma[i]
		wasFavorable := adx[i-1] > adxThreshold && s.closes[i-1] > sma[i-1]
		entries[i] = favorable && !wasFavorable
		// Leave once the trend stalls or price loses the average.
		exits[i] = adx[i] < adxThreshold*0.7 || s.closes[i] < sma[i]
	}
	return entries, exits
}

func ensembleSignals(s series, p Params) (entries, exits []bool) {
	minVotes := int(p.value("min_votes", 2))
	fast := talib.Sma(s.closes, 10)
	slow := talib.Sma(s.closes, 30)
	_, _, hist := talib.Macd(s.closes, 12, 26, 9)
	rsi := talib.Rsi(s.closes, 14)

	n := len(s.closes)
	votes := make([]int, n)
	for i := 0; i < n; i++ {
		if fast[i] > slow[i] {
			votes[i]++
		}
		if hist[i] > 0 {
			votes[i]++
		}
		if rsi[i] > 50 {
			votes[i]++
		}
	}

	// MACD(12,26,9) is the slowest voter to warm up.
	const warm = 26 + 9 + 1

	entries, exits = make([]bool, n), make([]bool, n)
	for i := warm; i < n; i++ {
		entries[i] = votes[i] >= minVotes && votes[i-1] < minVotes
		exits[i] = votes[i] < minVotes && votes[i-1] >= minVotes
	}
	return entries, exits
}

// applyMaxHold forces an exit once a position has been held maxHold bars
// without a natural one. Walks the bars exactly like simulate so forced
// exits land where the position would still be open.
func applyMaxHold(entries, exits []bool, maxHold int) {
	if maxHold <= 0 {
		return
	}
	inPos := false
	held := 0
	for i := range entries {
		if !inPos && entries[i] {
			inPos = true
			held = 0
			continue
		}
		if inPos {
			held++
			if exits[i] {
				inPos = false
			} else if held >= maxHold {
				exits[i] = true
				inPos = false
			}
		}
	}
}
