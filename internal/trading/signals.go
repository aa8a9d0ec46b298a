package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/database"
)

// Signal thresholds. Entries want an oversold but not collapsing
// market inside a real trend; exits want exhausted momentum.
var (
	rsiBuyBelow         = decimal.NewFromInt(38)
	rsiSellAbove        = decimal.NewFromInt(68)
	macdHistBuyFloor    = decimal.NewFromInt(-5)
	macdHistSellCeiling = decimal.NewFromInt(5)
	adxTrendFloor       = decimal.NewFromInt(20)
	entropySignalFloor  = decimal.NewFromFloat(0.55)
)

// signalMaxOpenPositions caps signal-driven entries independently of
// the risk gate's configurable limit.
const signalMaxOpenPositions = 3

// GenerateSignals scans the configured universe and submits a proposal
// for every symbol with an actionable setup. Returned proposals may be
// in any post-validation state, including rejected.
func (e *Engine) GenerateSignals(ctx context.Context) []*database.TradeProposal {
	var created []*database.TradeProposal
	for _, symbol := range e.cfg.Symbols {
		req := e.evaluateSymbol(ctx, symbol)
		if req == nil {
			continue
		}
		if !e.cooldownElapsed(symbol, req.Side) {
			log.Debug().Str("symbol", symbol).Str("side", req.Side).Msg("Signal suppressed by cooldown")
			continue
		}
		p, err := e.CreateProposal(ctx, *req)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Signal proposal failed")
			continue
		}
		e.markSignal(symbol, req.Side)
		created = append(created, p)
	}
	if len(created) > 0 {
		log.Info().Int("signals", len(created)).Msg("📊 Signal scan complete")
	}
	return created
}

// evaluateSymbol turns the latest analytics for one symbol into a
// proposal request, or nil when nothing lines up.
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string) *ProposalRequest {
	ind, err := e.store.LatestIndicator(symbol, e.cfg.PrimaryInterval)
	if err != nil || ind == nil || ind.RSI == nil || ind.MACDHist == nil {
		return nil
	}
	rsi := *ind.RSI
	hist := *ind.MACDHist

	openInSymbol, err := e.store.CountOpenPositionsBySymbol(symbol)
	if err != nil {
		return nil
	}

	// Held symbols only ever produce exit signals.
	if openInSymbol > 0 {
		if rsi.GreaterThan(rsiSellAbove) && hist.LessThan(macdHistSellCeiling) {
			pos, err := e.store.OldestOpenPosition(symbol)
			if err != nil {
				return nil
			}
			return &ProposalRequest{
				Symbol:   symbol,
				Side:     database.SideSell,
				Quantity: pos.CurrentQuantity,
				Strategy: "quant_signal",
				Reasoning: fmt.Sprintf("RSI %s overbought, MACD hist %s fading",
					rsi.StringFixed(1), hist.StringFixed(2)),
			}
		}
		return nil
	}

	if ind.ADX == nil {
		return nil
	}
	adx := *ind.ADX

	entropy, err := e.store.LatestEntropy(symbol, e.cfg.PrimaryInterval)
	if err != nil || entropy == nil {
		return nil
	}

	totalOpen, err := e.store.CountOpenPositions()
	if err != nil || int(totalOpen) >= signalMaxOpenPositions {
		return nil
	}

	if rsi.LessThan(rsiBuyBelow) &&
		hist.GreaterThan(macdHistBuyFloor) &&
		adx.GreaterThan(adxTrendFloor) &&
		entropy.EntropyRatio.GreaterThan(entropySignalFloor) {

		price := ind.Close
		if live, err := e.broker.GetPrice(ctx, symbol); err == nil && live.IsPositive() {
			price = live
		}
		if !price.IsPositive() {
			return nil
		}
		qty := roundQuantity(symbol, e.cfg.SignalNotional.Div(price))
		if !qty.IsPositive() {
			return nil
		}
		return &ProposalRequest{
			Symbol:   symbol,
			Side:     database.SideBuy,
			Quantity: qty,
			Strategy: "quant_signal",
			Reasoning: fmt.Sprintf("RSI %s oversold, MACD hist %s, ADX %s trending, entropy ratio %s",
				rsi.StringFixed(1), hist.StringFixed(2), adx.StringFixed(1), entropy.EntropyRatio.StringFixed(2)),
		}
	}
	return nil
}

// cooldownElapsed reports whether enough time passed since the last
// signal for this symbol and side. A full cooldown interval counts as
// elapsed.
func (e *Engine) cooldownElapsed(symbol, side string) bool {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	last, ok := e.cooldowns[symbol+":"+side]
	if !ok {
		return true
	}
	return time.Since(last) >= e.cfg.SignalCooldown
}

func (e *Engine) markSignal(symbol, side string) {
	e.cooldownMu.Lock()
	e.cooldowns[symbol+":"+side] = time.Now()
	e.cooldownMu.Unlock()
}

// quantityPrecision is the decimal places the exchange accepts per
// symbol's base asset.
func quantityPrecision(symbol string) int32 {
	switch symbol {
	case "BTCUSDT":
		return 5
	case "ETHUSDT", "SOLUSDT":
		return 4
	case "BNBUSDT":
		return 3
	default:
		return 2
	}
}

// roundQuantity floors to the symbol's precision so the notional never
// exceeds the intended size.
func roundQuantity(symbol string, qty decimal.Decimal) decimal.Decimal {
	return qty.RoundDown(quantityPrecision(symbol))
}
