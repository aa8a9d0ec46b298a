// Package trading owns the proposal state machine: creation, risk
// validation, approval, execution, retry and dead-letter handling.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/risk"
)

// ErrIllegalTransition is returned when a proposal is not in a state
// that allows the requested transition.
var ErrIllegalTransition = errors.New("trading: illegal proposal transition")

// Alerter pushes operator-facing notifications. Implementations must
// not block for long; delivery is best effort.
type Alerter interface {
	Alert(message string)
}

// Engine drives proposals through their lifecycle. All state lives in
// the store; the engine itself only holds the kill switch and signal
// cooldowns.
type Engine struct {
	cfg    *config.Config
	store  *database.Database
	broker binance.Broker
	gate   *risk.Gate
	stream *binance.PriceStream // optional, may be nil

	alerter Alerter

	mu      sync.RWMutex
	enabled bool

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // "SYMBOL:side" -> last signal time
}

// ProposalRequest is an externally submitted trade intent.
type ProposalRequest struct {
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"` // limit price, nil for market
	Strategy  string           `json:"strategy,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
}

// NewEngine creates the proposal engine. stream may be nil; exit scans
// then fall back to REST prices.
func NewEngine(cfg *config.Config, store *database.Database, broker binance.Broker, gate *risk.Gate, stream *binance.PriceStream) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		gate:      gate,
		stream:    stream,
		enabled:   cfg.TradingEnabled,
		cooldowns: make(map[string]time.Time),
	}
}

// SetAlerter wires operator notifications.
func (e *Engine) SetAlerter(a Alerter) {
	e.alerter = a
}

// IsEnabled reports the kill switch state.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Enable turns live order placement on.
func (e *Engine) Enable() {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
	log.Info().Msg("🟢 Trading ENABLED")
}

// Disable halts all order placement, including stop-loss exits.
func (e *Engine) Disable() {
	e.mu.Lock()
	e.enabled = false
	e.mu.Unlock()
	log.Info().Msg("🔴 Trading DISABLED")
}

// CreateProposal runs the full intake flow: price the request, persist
// a draft, evaluate risk, and move the row to validated, approved or
// rejected. Auto-approved proposals execute immediately when the kill
// switch allows. A rejected proposal is a normal outcome, not an error.
func (e *Engine) CreateProposal(ctx context.Context, req ProposalRequest) (*database.TradeProposal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	side := strings.ToLower(strings.TrimSpace(req.Side))

	if symbol == "" {
		return nil, fmt.Errorf("trading: symbol is required")
	}
	if side != database.SideBuy && side != database.SideSell {
		return nil, fmt.Errorf("trading: side must be buy or sell, got %q", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("trading: quantity must be positive")
	}

	orderType := database.OrderTypeMarket
	price := decimal.Zero
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("trading: limit price must be positive")
		}
		orderType = database.OrderTypeLimit
		price = *req.Price
	} else {
		p, err := e.broker.GetPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("trading: price %s: %w", symbol, err)
		}
		price = p
	}

	proposal := &database.TradeProposal{
		Symbol:    symbol,
		Side:      side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		OrderType: orderType,
		Notional:  req.Quantity.Mul(price),
		Status:    database.StatusDraft,
		Strategy:  req.Strategy,
		Reasoning: req.Reasoning,
	}
	if err := e.store.CreateProposal(proposal); err != nil {
		return nil, fmt.Errorf("trading: create proposal: %w", err)
	}

	verdict := e.gate.Evaluate(ctx, risk.Request{
		ProposalID: &proposal.ID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   req.Quantity,
		Price:      price,
		Notional:   proposal.Notional,
		Strategy:   req.Strategy,
	})

	now := time.Now().UTC()
	err := e.store.TransitionProposal(proposal.ID, database.StatusDraft, database.StatusValidated, map[string]interface{}{
		"risk_score":    verdict.RiskScore,
		"risk_checks":   risk.MarshalChecks(verdict.Checks),
		"auto_approved": verdict.AutoApproved,
		"validated_at":  now,
	})
	if err != nil {
		return nil, fmt.Errorf("trading: validate proposal %d: %w", proposal.ID, err)
	}

	if !verdict.Approved {
		err := e.store.TransitionProposal(proposal.ID, database.StatusValidated, database.StatusRejected, map[string]interface{}{
			"rejection_reason": verdict.RejectionReason,
		})
		if err != nil {
			return nil, fmt.Errorf("trading: reject proposal %d: %w", proposal.ID, err)
		}
		log.Warn().
			Uint("proposal_id", proposal.ID).
			Str("symbol", symbol).
			Str("reason", verdict.RejectionReason).
			Msg("🚫 Proposal rejected")
		return e.store.GetProposal(proposal.ID)
	}

	if verdict.AutoApproved {
		err := e.store.TransitionProposal(proposal.ID, database.StatusValidated, database.StatusApproved, map[string]interface{}{
			"approved_at": now,
		})
		if err != nil {
			return nil, fmt.Errorf("trading: auto-approve proposal %d: %w", proposal.ID, err)
		}
		e.recordEvent("proposal_auto_approved", database.SeverityInfo,
			fmt.Sprintf("%s %s $%s auto-approved", symbol, side, proposal.Notional.StringFixed(2)), &proposal.ID, nil)
		log.Info().
			Uint("proposal_id", proposal.ID).
			Str("symbol", symbol).
			Str("notional", proposal.Notional.StringFixed(2)).
			Msg("✅ Proposal auto-approved")

		if e.IsEnabled() {
			if err := e.Execute(ctx, proposal.ID); err != nil {
				log.Warn().Err(err).Uint("proposal_id", proposal.ID).Msg("⚠️ Inline execution failed")
			}
		}
	} else {
		log.Info().
			Uint("proposal_id", proposal.ID).
			Str("symbol", symbol).
			Str("notional", proposal.Notional.StringFixed(2)).
			Msg("⏳ Proposal validated, awaiting approval")
	}

	return e.store.GetProposal(proposal.ID)
}

// Approve moves a validated proposal to approved. Execution happens in
// the next batch run, not inline.
func (e *Engine) Approve(id uint) (*database.TradeProposal, error) {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != database.StatusValidated {
		return nil, fmt.Errorf("%w: cannot approve %s proposal %d", ErrIllegalTransition, p.Status, id)
	}
	err = e.store.TransitionProposal(id, database.StatusValidated, database.StatusApproved, map[string]interface{}{
		"approved_at":   time.Now().UTC(),
		"auto_approved": false,
	})
	if err != nil {
		return nil, err
	}
	e.recordEvent("proposal_approved", database.SeverityInfo,
		fmt.Sprintf("Proposal %d (%s %s) approved by operator", id, p.Symbol, p.Side), &id, nil)
	log.Info().Uint("proposal_id", id).Msg("✅ Proposal approved")
	return e.store.GetProposal(id)
}

// Reject moves a validated proposal to rejected with an operator reason.
func (e *Engine) Reject(id uint, reason string) (*database.TradeProposal, error) {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != database.StatusValidated {
		return nil, fmt.Errorf("%w: cannot reject %s proposal %d", ErrIllegalTransition, p.Status, id)
	}
	if reason == "" {
		reason = "rejected by operator"
	}
	err = e.store.TransitionProposal(id, database.StatusValidated, database.StatusRejected, map[string]interface{}{
		"rejection_reason": reason,
	})
	if err != nil {
		return nil, err
	}
	e.recordEvent("proposal_rejected", database.SeverityInfo,
		fmt.Sprintf("Proposal %d (%s %s) rejected: %s", id, p.Symbol, p.Side, reason), &id, nil)
	log.Info().Uint("proposal_id", id).Str("reason", reason).Msg("🚫 Proposal rejected by operator")
	return e.store.GetProposal(id)
}

// RetryDeadLetter puts a dead-lettered proposal back in the approved
// queue with a clean retry count and error message.
func (e *Engine) RetryDeadLetter(id uint) (*database.TradeProposal, error) {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != database.StatusDeadLetter {
		return nil, fmt.Errorf("%w: cannot retry %s proposal %d", ErrIllegalTransition, p.Status, id)
	}
	err = e.store.TransitionProposal(id, database.StatusDeadLetter, database.StatusApproved, map[string]interface{}{
		"retry_count":   0,
		"error_message": "",
		"approved_at":   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	e.recordEvent("proposal_retried", database.SeverityInfo,
		fmt.Sprintf("Dead-lettered proposal %d (%s %s) queued for retry", id, p.Symbol, p.Side), &id, nil)
	log.Info().Uint("proposal_id", id).Msg("🔁 Dead-lettered proposal queued for retry")
	return e.store.GetProposal(id)
}

// CancelDeadLetter retires a dead-lettered proposal permanently.
func (e *Engine) CancelDeadLetter(id uint) (*database.TradeProposal, error) {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != database.StatusDeadLetter {
		return nil, fmt.Errorf("%w: cannot cancel %s proposal %d", ErrIllegalTransition, p.Status, id)
	}
	err = e.store.TransitionProposal(id, database.StatusDeadLetter, database.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	e.recordEvent("proposal_cancelled", database.SeverityInfo,
		fmt.Sprintf("Dead-lettered proposal %d (%s %s) cancelled", id, p.Symbol, p.Side), &id, nil)
	log.Info().Uint("proposal_id", id).Msg("🗑️ Dead-lettered proposal cancelled")
	return e.store.GetProposal(id)
}

// RetrySweep advances errored proposals: each gets its retry count
// bumped, then goes back to approved or, at the retry limit, to the
// dead letter queue. Returns (requeued, deadLettered).
func (e *Engine) RetrySweep() (int, int) {
	rows, err := e.store.ProposalsByStatus(database.StatusError)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Retry sweep query failed")
		return 0, 0
	}

	requeued, deadLettered := 0, 0
	for _, p := range rows {
		next := p.RetryCount + 1
		if next >= e.cfg.MaxRetries {
			err := e.store.TransitionProposal(p.ID, database.StatusError, database.StatusDeadLetter, map[string]interface{}{
				"retry_count": next,
			})
			if err != nil {
				continue
			}
			deadLettered++
			e.recordEvent("proposal_dead_lettered", database.SeverityCritical,
				fmt.Sprintf("Proposal %d (%s %s) dead-lettered after %d attempts: %s", p.ID, p.Symbol, p.Side, next, p.ErrorMessage), &p.ID, nil)
			e.alert(fmt.Sprintf("💀 Proposal %d (%s %s) moved to dead letter queue after %d attempts", p.ID, p.Symbol, p.Side, next))
			log.Error().Uint("proposal_id", p.ID).Int("attempts", next).Msg("💀 Proposal dead-lettered")
		} else {
			err := e.store.TransitionProposal(p.ID, database.StatusError, database.StatusApproved, map[string]interface{}{
				"retry_count": next,
			})
			if err != nil {
				continue
			}
			requeued++
			log.Info().Uint("proposal_id", p.ID).Int("retry", next).Msg("🔁 Errored proposal requeued")
		}
	}
	return requeued, deadLettered
}

// recordEvent appends an audit event, logging on failure instead of
// propagating.
func (e *Engine) recordEvent(eventType, severity, message string, proposalID, positionID *uint) {
	event := &database.RiskEvent{
		EventType:  eventType,
		Severity:   severity,
		Message:    message,
		ProposalID: proposalID,
		PositionID: positionID,
	}
	if err := e.store.CreateRiskEvent(event); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("⚠️ Failed to record event")
	}
}

func (e *Engine) alert(message string) {
	if e.alerter != nil {
		e.alerter.Alert(message)
	}
}
