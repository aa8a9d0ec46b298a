package risk

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/database"
)

// ═══════════════════════════════════════════════════════════════════
// QUANT CHECKS
// These read the latest analytics rows written by the feature
// pipeline. A missing row always skip-passes: stale analytics must
// never block trading outright, only fresh negative signals do.
// ═══════════════════════════════════════════════════════════════════

var (
	regimeVolatileMinConf = decimal.NewFromInt(60)
	regimeTrendMinConf    = decimal.NewFromInt(70)
)

// Check 6: entropy ratio must sit strictly below the tradability
// threshold. At or above means the market looks too close to noise.
func (g *Gate) checkEntropyGate(req Request) CheckResult {
	c := CheckResult{Name: "entropy_gate", Limit: g.limits.EntropyThreshold.String()}

	reading, err := g.store.LatestEntropy(req.Symbol, g.limits.PrimaryInterval)
	if err != nil || reading == nil {
		c.Passed = true
		c.Message = "No entropy reading, check skipped"
		return c
	}
	c.Value = reading.EntropyRatio.StringFixed(3)

	if !reading.EntropyRatio.LessThan(g.limits.EntropyThreshold) {
		c.Message = fmt.Sprintf("Entropy ratio %s at or above threshold %s, market too random",
			reading.EntropyRatio.StringFixed(3), g.limits.EntropyThreshold.String())
		return c
	}
	c.Passed = true
	c.Message = fmt.Sprintf("Entropy ratio %s below threshold", reading.EntropyRatio.StringFixed(3))
	return c
}

// Check 7: the detected regime must not contradict the trade. Volatile
// markets block everything; confident trends block the opposing side.
func (g *Gate) checkRegime(req Request) CheckResult {
	c := CheckResult{Name: "regime_check"}

	regime, err := g.store.LatestRegime(req.Symbol, g.limits.PrimaryInterval)
	if err != nil || regime == nil {
		c.Passed = true
		c.Message = "No regime reading, check skipped"
		return c
	}
	c.Value = fmt.Sprintf("%s (%s)", regime.Regime, regime.Confidence.StringFixed(0))

	switch {
	case regime.Regime == database.RegimeVolatile && regime.Confidence.GreaterThan(regimeVolatileMinConf):
		c.Message = fmt.Sprintf("Volatile regime with confidence %s, trading paused", regime.Confidence.StringFixed(0))
		return c
	case regime.Regime == database.RegimeTrendingDown && req.Side == database.SideBuy && regime.Confidence.GreaterThan(regimeTrendMinConf):
		c.Message = fmt.Sprintf("Downtrend with confidence %s, buys blocked", regime.Confidence.StringFixed(0))
		return c
	case regime.Regime == database.RegimeTrendingUp && req.Side == database.SideSell && regime.Confidence.GreaterThan(regimeTrendMinConf):
		c.Message = fmt.Sprintf("Uptrend with confidence %s, sells blocked", regime.Confidence.StringFixed(0))
		return c
	}
	c.Passed = true
	c.Message = fmt.Sprintf("Regime %s compatible with %s", regime.Regime, req.Side)
	return c
}

// Check 8: notional must not run far past the sizing recommendation.
func (g *Gate) checkSizeRecommendation(req Request) CheckResult {
	c := CheckResult{Name: "size_validation"}

	sizing, err := g.store.LatestSizing(req.Symbol)
	if err != nil || sizing == nil || !sizing.RecommendedSize.IsPositive() {
		c.Passed = true
		c.Message = "No sizing recommendation, check skipped"
		return c
	}
	maxAllowed := sizing.RecommendedSize.Mul(sizeValidationMultiple)
	c.Value = req.Notional.StringFixed(2)
	c.Limit = maxAllowed.StringFixed(2)

	if req.Notional.GreaterThan(maxAllowed) {
		c.Message = fmt.Sprintf("Notional $%s exceeds %sx recommended size $%s",
			req.Notional.StringFixed(2), sizeValidationMultiple.String(), sizing.RecommendedSize.StringFixed(2))
		return c
	}
	c.Passed = true
	c.Message = "Size within recommendation"
	return c
}

func marshalMap(payload map[string]string) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
