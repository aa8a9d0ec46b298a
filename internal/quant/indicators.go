package quant

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/database"
)

// minIndicatorCandles is what ADX(14) needs to produce a stable value.
const minIndicatorCandles = 30

// Series extracted from a kline window, oldest first.
type series struct {
	closes  []float64
	highs   []float64
	lows    []float64
	volumes []float64
}

func extractSeries(klines []database.Kline) series {
	s := series{
		closes:  make([]float64, len(klines)),
		highs:   make([]float64, len(klines)),
		lows:    make([]float64, len(klines)),
		volumes: make([]float64, len(klines)),
	}
	for i, k := range klines {
		s.closes[i] = k.Close.InexactFloat64()
		s.highs[i] = k.High.InexactFloat64()
		s.lows[i] = k.Low.InexactFloat64()
		s.volumes[i] = k.Volume.InexactFloat64()
	}
	return s
}

// lastValid returns the trailing non-NaN value of a talib output series.
func lastValid(values []float64) (float64, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return values[i], true
		}
	}
	return 0, false
}

func decPtr(f float64, ok bool) *decimal.Decimal {
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	d := decimal.NewFromFloat(f)
	return &d
}

// ComputeIndicators derives the standard indicator set from a kline window.
// klines must be in ascending open_time order.
func ComputeIndicators(symbol, interval string, klines []database.Kline) (*database.IndicatorSnapshot, error) {
	if len(klines) < minIndicatorCandles {
		return nil, fmt.Errorf("insufficient data for %s %s indicators: have %d candles, need %d",
			symbol, interval, len(klines), minIndicatorCandles)
	}

	s := extractSeries(klines)
	last := klines[len(klines)-1]

	snap := &database.IndicatorSnapshot{
		Symbol:     symbol,
		Interval:   interval,
		CandleTime: last.OpenTime,
		Close:      last.Close,
		UpdatedAt:  time.Now().UTC(),
	}

	snap.RSI = decPtr(lastValid(talib.Rsi(s.closes, 14)))

	macd, signal, hist := talib.Macd(s.closes, 12, 26, 9)
	snap.MACD = decPtr(lastValid(macd))
	snap.MACDSignal = decPtr(lastValid(signal))
	snap.MACDHist = decPtr(lastValid(hist))

	snap.SMA20 = decPtr(lastValid(talib.Sma(s.closes, 20)))
	snap.EMA20 = decPtr(lastValid(talib.Ema(s.closes, 20)))

	upper, middle, lower := talib.BBands(s.closes, 20, 2.0, 2.0, 0)
	snap.BBUpper = decPtr(lastValid(upper))
	snap.BBMiddle = decPtr(lastValid(middle))
	snap.BBLower = decPtr(lastValid(lower))

	snap.ADX = decPtr(lastValid(talib.Adx(s.highs, s.lows, s.closes, 14)))
	snap.ATR = decPtr(lastValid(talib.Atr(s.highs, s.lows, s.closes, 14)))

	return snap, nil
}
