package quant

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/web3guy0/spotbot/internal/database"
)

// minRegimeCandles gives ADX and the Hurst lags enough history.
const minRegimeCandles = 50

// RegimeResult is one market regime classification.
type RegimeResult struct {
	Regime     string
	Confidence float64
	ADX        float64
	Hurst      float64
	BBWidth    float64
	ATRRatio   float64
}

// HurstExponent estimates long-memory behavior of a price series. Values
// above 0.5 mean trending, below 0.5 mean reverting. Returns 0.5 when the
// series is too short or the fit degenerates.
func HurstExponent(closes []float64) float64 {
	if len(closes) < 21 {
		return 0.5
	}

	logLags := make([]float64, 0, 18)
	logTaus := make([]float64, 0, 18)
	for lag := 2; lag < 20; lag++ {
		diffs := make([]float64, len(closes)-lag)
		for i := lag; i < len(closes); i++ {
			diffs[i-lag] = closes[i] - closes[i-lag]
		}
		sd := stat.PopStdDev(diffs, nil)
		if sd <= 0 {
			continue
		}
		tau := math.Sqrt(sd)
		logLags = append(logLags, math.Log(float64(lag)))
		logTaus = append(logTaus, math.Log(tau))
	}
	if len(logLags) < 2 {
		return 0.5
	}

	_, slope := stat.LinearRegression(logLags, logTaus, nil, false)
	hurst := slope * 2.0
	if math.IsNaN(hurst) || math.IsInf(hurst, 0) {
		return 0.5
	}
	if hurst < 0 {
		hurst = 0
	}
	if hurst > 1 {
		hurst = 1
	}
	return hurst
}

// DetectRegime classifies recent market behavior from a kline window in
// ascending order.
func DetectRegime(klines []database.Kline) (*RegimeResult, error) {
	if len(klines) < minRegimeCandles {
		return nil, fmt.Errorf("insufficient data for regime: have %d candles, need %d",
			len(klines), minRegimeCandles)
	}

	s := extractSeries(klines)
	lastClose := s.closes[len(s.closes)-1]

	adx, adxOK := lastValid(talib.Adx(s.highs, s.lows, s.closes, 14))
	atr, atrOK := lastValid(talib.Atr(s.highs, s.lows, s.closes, 14))
	upper, middle, lower := talib.BBands(s.closes, 20, 2.0, 2.0, 0)
	bbU, uOK := lastValid(upper)
	bbM, mOK := lastValid(middle)
	bbL, lOK := lastValid(lower)
	sma, smaOK := lastValid(talib.Sma(s.closes, 20))
	if !adxOK || !atrOK || !uOK || !mOK || !lOK || !smaOK || lastClose <= 0 || bbM <= 0 {
		return nil, fmt.Errorf("indicator series incomplete for regime detection")
	}

	hurst := HurstExponent(s.closes)
	bbWidth := (bbU - bbL) / bbM
	atrRatio := atr / lastClose

	result := &RegimeResult{
		ADX:      adx,
		Hurst:    hurst,
		BBWidth:  bbWidth,
		ATRRatio: atrRatio,
	}

	trendLabel := database.RegimeTrendingUp
	if lastClose < sma {
		trendLabel = database.RegimeTrendingDown
	}

	switch {
	case adx > 40 && hurst > 0.6:
		result.Regime = trendLabel
		result.Confidence = math.Min(90, 50+adx)
	case adx > 25 && hurst > 0.55:
		result.Regime = trendLabel
		result.Confidence = math.Min(75, 40+adx)
	case bbWidth > 0.08 || atrRatio > 0.04:
		result.Regime = database.RegimeVolatile
		result.Confidence = math.Min(85, 50+bbWidth*200)
	case adx < 20 && hurst > 0.4 && hurst < 0.6:
		result.Regime = database.RegimeRanging
		result.Confidence = math.Min(80, 60+(20-adx))
	case lowLiquidity(s.volumes):
		result.Regime = database.RegimeLowLiquidity
		result.Confidence = 60
	default:
		result.Regime = database.RegimeRanging
		result.Confidence = 50
	}

	return result, nil
}

// lowLiquidity flags a market whose recent volume collapsed against the
// window average.
func lowLiquidity(volumes []float64) bool {
	if len(volumes) < 10 {
		return false
	}
	overall := stat.Mean(volumes, nil)
	recent := stat.Mean(volumes[len(volumes)-5:], nil)
	return overall > 0 && recent < 0.3*overall
}

// ToRecord converts a result into its persisted form.
func (r *RegimeResult) ToRecord(symbol, interval string) *database.MarketRegime {
	adx := decimal.NewFromFloat(r.ADX)
	hurst := decimal.NewFromFloat(r.Hurst)
	bbw := decimal.NewFromFloat(r.BBWidth)
	atrr := decimal.NewFromFloat(r.ATRRatio)
	return &database.MarketRegime{
		Symbol:     symbol,
		Interval:   interval,
		Regime:     r.Regime,
		Confidence: decimal.NewFromFloat(r.Confidence),
		ADX:        &adx,
		Hurst:      &hurst,
		BBWidth:    &bbw,
		ATRRatio:   &atrr,
		DetectedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}
