package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
)

// closeEpsilon is the residual quantity below which a position counts
// as fully closed. Exchange rounding leaves dust smaller than this.
var closeEpsilon = decimal.NewFromFloat(0.0001)

// interOrderDelay spaces batch submissions to stay under rate limits.
const interOrderDelay = 100 * time.Millisecond

// Execute places the order for one approved proposal and books the
// resulting position change. A broker failure moves the proposal to
// error; the retry sweep decides what happens next.
func (e *Engine) Execute(ctx context.Context, id uint) error {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return err
	}
	if p.Status != database.StatusApproved {
		return fmt.Errorf("%w: cannot execute %s proposal %d", ErrIllegalTransition, p.Status, id)
	}

	clientOrderID := uuid.New().String()
	err = e.store.TransitionProposal(id, database.StatusApproved, database.StatusApproved, map[string]interface{}{
		"client_order_id": clientOrderID,
	})
	if err != nil {
		return fmt.Errorf("trading: tag proposal %d: %w", id, err)
	}

	order, err := e.broker.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side,
		Type:          p.OrderType,
		Quantity:      p.Quantity,
		Price:         p.Price,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return e.markExecutionError(p, err)
	}

	execPrice := e.executionPrice(ctx, p, order)
	execQty := order.ExecutedQty
	if !execQty.IsPositive() {
		execQty = p.Quantity
	}
	commission, commissionAsset := fillCommission(order)

	if p.Side == database.SideBuy {
		e.openPosition(p, execPrice, execQty, commission)
	} else {
		e.closePosition(p, execPrice, execQty, commission)
	}

	err = e.store.TransitionProposal(id, database.StatusApproved, database.StatusExecuted, map[string]interface{}{
		"executed_price":    execPrice,
		"executed_quantity": execQty,
		"commission":        commission,
		"commission_asset":  commissionAsset,
		"broker_order_id":   order.OrderID,
		"executed_at":       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("trading: finalize proposal %d: %w", id, err)
	}

	e.recordEvent("proposal_executed", database.SeverityInfo,
		fmt.Sprintf("%s %s %s @ %s (order %d)", p.Symbol, p.Side, execQty.String(), execPrice.StringFixed(2), order.OrderID), &id, nil)
	log.Info().
		Uint("proposal_id", id).
		Str("symbol", p.Symbol).
		Str("side", p.Side).
		Str("qty", execQty.String()).
		Str("price", execPrice.StringFixed(2)).
		Int64("order_id", order.OrderID).
		Msg("💸 Order executed")
	return nil
}

// BatchResult summarizes one pass over the approved queue.
type BatchResult struct {
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// ExecuteAllApproved submits every approved proposal oldest first,
// pausing between orders. It is a no-op while trading is disabled.
func (e *Engine) ExecuteAllApproved(ctx context.Context) BatchResult {
	if !e.IsEnabled() {
		return BatchResult{}
	}
	rows, err := e.store.ApprovedProposals()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Could not list approved proposals")
		return BatchResult{}
	}

	res := BatchResult{Total: len(rows)}
	for i, p := range rows {
		if ctx.Err() != nil {
			return res
		}
		if err := e.Execute(ctx, p.ID); err != nil {
			log.Warn().Err(err).Uint("proposal_id", p.ID).Msg("⚠️ Execution failed")
			res.Failed++
		} else {
			res.Executed++
		}
		if i < len(rows)-1 {
			time.Sleep(interOrderDelay)
		}
	}
	if res.Executed > 0 {
		log.Info().Int("executed", res.Executed).Int("batch", res.Total).Msg("💸 Batch execution complete")
	}
	return res
}

// ScanExits checks every open position against its stop-loss and
// take-profit levels and closes breached ones at market. Disabled
// trading skips the scan entirely.
func (e *Engine) ScanExits(ctx context.Context) {
	if !e.IsEnabled() {
		return
	}
	positions, err := e.store.OpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Could not list open positions")
		return
	}

	for _, pos := range positions {
		price, ok := e.lastPrice(ctx, pos.Symbol)
		if !ok {
			continue
		}
		switch {
		case pos.StopLossPrice != nil && price.LessThanOrEqual(*pos.StopLossPrice):
			e.exitPosition(ctx, &pos, price, "stop_loss")
		case pos.TakeProfitPrice != nil && price.GreaterThanOrEqual(*pos.TakeProfitPrice):
			e.exitPosition(ctx, &pos, price, "take_profit")
		}
	}
}

// exitPosition synthesizes a pre-approved market sell for a triggered
// exit. Protective exits never pass through the risk gate: a gate that
// blocks its own stop-loss would turn a drawdown into a disaster.
func (e *Engine) exitPosition(ctx context.Context, pos *database.Position, price decimal.Decimal, trigger string) {
	now := time.Now().UTC()
	reasoning := fmt.Sprintf("%s triggered at %s", trigger, price.StringFixed(2))
	if trigger == "stop_loss" && pos.StopLossPrice != nil {
		reasoning = fmt.Sprintf("Stop loss triggered: price %s at or below stop %s", price.StringFixed(2), pos.StopLossPrice.StringFixed(2))
	} else if trigger == "take_profit" && pos.TakeProfitPrice != nil {
		reasoning = fmt.Sprintf("Take profit triggered: price %s at or above target %s", price.StringFixed(2), pos.TakeProfitPrice.StringFixed(2))
	}

	proposal := &database.TradeProposal{
		Symbol:       pos.Symbol,
		Side:         database.SideSell,
		Quantity:     pos.CurrentQuantity,
		OrderType:    database.OrderTypeMarket,
		Notional:     pos.CurrentQuantity.Mul(price),
		Status:       database.StatusApproved,
		AutoApproved: true,
		Strategy:     trigger,
		Reasoning:    reasoning,
		ValidatedAt:  &now,
		ApprovedAt:   &now,
	}
	if err := e.store.CreateProposal(proposal); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("🚨 Could not create exit proposal")
		return
	}

	severity := database.SeverityInfo
	emoji := "🎯"
	if trigger == "stop_loss" {
		severity = database.SeverityCritical
		emoji = "🛑"
	}
	e.recordEvent(trigger+"_triggered", severity, reasoning, &proposal.ID, &pos.ID)
	e.alert(fmt.Sprintf("%s %s %s: %s", emoji, pos.Symbol, trigger, reasoning))
	log.Warn().
		Str("symbol", pos.Symbol).
		Uint("position_id", pos.ID).
		Str("price", price.StringFixed(2)).
		Msg(emoji + " " + reasoning)

	if err := e.Execute(ctx, proposal.ID); err != nil {
		log.Error().Err(err).Uint("proposal_id", proposal.ID).Msg("🚨 Exit execution failed")
	}
}

// markExecutionError moves the proposal to error and records the audit
// trail. The original broker error is returned for the caller's log.
func (e *Engine) markExecutionError(p *database.TradeProposal, cause error) error {
	err := e.store.TransitionProposal(p.ID, database.StatusApproved, database.StatusError, map[string]interface{}{
		"error_message": cause.Error(),
	})
	if err != nil {
		log.Error().Err(err).Uint("proposal_id", p.ID).Msg("🚨 Could not mark proposal errored")
	}
	e.recordEvent("execution_error", database.SeverityCritical,
		fmt.Sprintf("%s %s failed: %s", p.Symbol, p.Side, cause.Error()), &p.ID, nil)
	e.alert(fmt.Sprintf("🚨 Execution failed for proposal %d (%s %s): %s", p.ID, p.Symbol, p.Side, cause.Error()))
	log.Error().Err(cause).Uint("proposal_id", p.ID).Str("symbol", p.Symbol).Msg("🚨 Execution error")
	return fmt.Errorf("trading: execute proposal %d: %w", p.ID, cause)
}

// executionPrice resolves the effective fill price: first fill, then
// the order's own price, then a fresh ticker, then the proposal price.
func (e *Engine) executionPrice(ctx context.Context, p *database.TradeProposal, order *binance.OrderResponse) decimal.Decimal {
	if len(order.Fills) > 0 && order.Fills[0].Price.IsPositive() {
		return order.Fills[0].Price
	}
	if order.Price.IsPositive() {
		return order.Price
	}
	if price, err := e.broker.GetPrice(ctx, p.Symbol); err == nil && price.IsPositive() {
		return price
	}
	if p.Quantity.IsPositive() {
		return p.Notional.Div(p.Quantity)
	}
	return decimal.Zero
}

// fillCommission totals commissions across fills. The asset comes from
// the first fill; Binance charges BNB when no fill reports one.
func fillCommission(order *binance.OrderResponse) (decimal.Decimal, string) {
	total := decimal.Zero
	asset := "BNB"
	for i, f := range order.Fills {
		total = total.Add(f.Commission)
		if i == 0 && f.CommissionAsset != "" {
			asset = f.CommissionAsset
		}
	}
	return total, asset
}

// openPosition books a new long from an executed buy. Stop and target
// levels are fixed percentages off the entry.
func (e *Engine) openPosition(p *database.TradeProposal, price, qty, commission decimal.Decimal) {
	one := decimal.NewFromInt(1)
	stopLoss := price.Mul(one.Sub(e.cfg.StopLossPct))
	takeProfit := price.Mul(one.Add(e.cfg.TakeProfitPct))
	entryNotional := price.Mul(qty)

	unrealized := commission.Neg()
	unrealizedPct := decimal.Zero
	if entryNotional.IsPositive() {
		unrealizedPct = unrealized.Div(entryNotional).Mul(decimal.NewFromInt(100))
	}

	pos := &database.Position{
		Symbol:           p.Symbol,
		Side:             database.SideLong,
		EntryPrice:       price,
		EntryQuantity:    qty,
		EntryNotional:    entryNotional,
		CurrentPrice:     price,
		CurrentQuantity:  qty,
		UnrealizedPnl:    unrealized,
		UnrealizedPnlPct: unrealizedPct,
		TotalCommission:  commission,
		Status:           database.PositionOpen,
		StopLossPrice:    &stopLoss,
		TakeProfitPrice:  &takeProfit,
		ProposalID:       &p.ID,
		OpenedAt:         time.Now().UTC(),
	}
	if err := e.store.CreatePosition(pos); err != nil {
		log.Error().Err(err).Str("symbol", p.Symbol).Msg("🚨 Could not record position")
		return
	}
	log.Info().
		Uint("position_id", pos.ID).
		Str("symbol", p.Symbol).
		Str("entry", price.StringFixed(2)).
		Str("stop", stopLoss.StringFixed(2)).
		Str("target", takeProfit.StringFixed(2)).
		Msg("📈 Position opened")
}

// closePosition books an executed sell against the oldest open
// position for the symbol, first in first out.
func (e *Engine) closePosition(p *database.TradeProposal, exitPrice, exitQty, exitCommission decimal.Decimal) {
	pos, err := e.store.OldestOpenPosition(p.Symbol)
	if err != nil {
		e.recordEvent("unmatched_sell", database.SeverityWarning,
			fmt.Sprintf("Sell of %s %s executed with no open position", exitQty.String(), p.Symbol), &p.ID, nil)
		log.Warn().Str("symbol", p.Symbol).Msg("⚠️ Sell executed with no open position to close")
		return
	}

	closeQty := exitQty
	if closeQty.GreaterThan(pos.CurrentQuantity) {
		closeQty = pos.CurrentQuantity
	}
	totalCommission := pos.TotalCommission.Add(exitCommission)
	realized := exitPrice.Sub(pos.EntryPrice).Mul(closeQty).Sub(totalCommission)
	realizedPct := decimal.Zero
	if pos.EntryNotional.IsPositive() {
		realizedPct = realized.Div(pos.EntryNotional).Mul(decimal.NewFromInt(100))
	}
	residual := pos.CurrentQuantity.Sub(closeQty)

	fields := map[string]interface{}{
		"current_price":    exitPrice,
		"realized_pnl":     realized,
		"realized_pnl_pct": realizedPct,
		"total_commission": totalCommission,
	}
	if residual.LessThanOrEqual(closeEpsilon) {
		fields["status"] = database.PositionClosed
		fields["closed_at"] = time.Now().UTC()
		fields["current_quantity"] = decimal.Zero
		fields["unrealized_pnl"] = decimal.Zero
		fields["unrealized_pnl_pct"] = decimal.Zero
	} else {
		fields["status"] = database.PositionPartiallyClosed
		fields["current_quantity"] = residual
	}

	if err := e.store.UpdateOpenPosition(pos.ID, fields); err != nil {
		log.Error().Err(err).Uint("position_id", pos.ID).Msg("🚨 Could not update position on close")
		return
	}

	outcome := "📉"
	if realized.IsPositive() {
		outcome = "📈"
	}
	log.Info().
		Uint("position_id", pos.ID).
		Str("symbol", p.Symbol).
		Str("exit", exitPrice.StringFixed(2)).
		Str("realized", realized.StringFixed(2)).
		Bool("fully_closed", residual.LessThanOrEqual(closeEpsilon)).
		Msg(outcome + " Position closed")
}

// lastPrice prefers the websocket stream and falls back to REST.
func (e *Engine) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if e.stream != nil {
		if price, ok := e.stream.LastPrice(symbol); ok {
			return price, true
		}
	}
	price, err := e.broker.GetPrice(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ No price available for exit scan")
		return decimal.Zero, false
	}
	return price, true
}
