package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/oracle"
)

// maxDivergenceAlerts caps operator notifications per run so a mass
// divergence cannot flood the channel.
const maxDivergenceAlerts = 5

// maxOracleDivergence is the broker-vs-oracle deviation tolerated before
// the price sanity check flags a divergence.
var maxOracleDivergence = decimal.NewFromFloat(0.02)

// terminalOrderStatuses are exchange states that mean an order will
// never fill again.
var terminalOrderStatuses = map[string]bool{
	"FILLED":   true,
	"CANCELED": true,
	"EXPIRED":  true,
	"REJECTED": true,
}

// Divergence is one mismatch between local state and the exchange.
type Divergence struct {
	Type       string `json:"type"` // orphan_order, stale_proposal or oracle_price_divergence
	Symbol     string `json:"symbol,omitempty"`
	OrderID    int64  `json:"order_id,omitempty"`
	ProposalID uint   `json:"proposal_id,omitempty"`
	Detail     string `json:"detail"`
}

// Reconciler compares local order state against the exchange. It only
// reports divergences; it never mutates proposals or positions itself.
type Reconciler struct {
	store   *database.Database
	broker  binance.Broker
	alerter Alerter
	oracle  *oracle.Client
}

func NewReconciler(store *database.Database, broker binance.Broker) *Reconciler {
	return &Reconciler{store: store, broker: broker}
}

// SetAlerter wires operator notifications for divergences.
func (r *Reconciler) SetAlerter(a Alerter) {
	r.alerter = a
}

// SetOracle enables the on-chain price sanity check.
func (r *Reconciler) SetOracle(o *oracle.Client) {
	r.oracle = o
}

// Run performs one reconciliation pass. The run row is created in
// running state up front so a crash mid-run stays visible in the audit
// trail.
func (r *Reconciler) Run(ctx context.Context) (*database.ReconciliationRun, error) {
	run := &database.ReconciliationRun{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    database.ReconRunning,
	}
	if err := r.store.CreateReconRun(run); err != nil {
		return nil, fmt.Errorf("trading: start reconciliation: %w", err)
	}
	log.Info().Str("run_id", run.RunID).Msg("🔍 Reconciliation started")

	divergences, ordersSynced, positionsSynced, balanceJSON, err := r.reconcile(ctx)
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(run.StartedAt).Milliseconds()

	if err != nil {
		run.Status = database.ReconError
		run.ErrorMessage = err.Error()
		if uerr := r.store.UpdateReconRun(run); uerr != nil {
			log.Error().Err(uerr).Str("run_id", run.RunID).Msg("🚨 Could not finalize reconciliation run")
		}
		log.Error().Err(err).Str("run_id", run.RunID).Msg("🚨 Reconciliation failed")
		return run, err
	}

	run.Status = database.ReconSuccess
	run.OrdersSynced = ordersSynced
	run.PositionsSynced = positionsSynced
	run.DivergencesFound = len(divergences)
	run.ActionsTaken = "none"
	run.BalanceSnapshotJSON = balanceJSON
	if len(divergences) > 0 {
		if b, merr := json.Marshal(divergences); merr == nil {
			run.DivergencesJSON = string(b)
		}
	}
	if err := r.store.UpdateReconRun(run); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("🚨 Could not finalize reconciliation run")
		return run, err
	}

	r.report(run, divergences)
	return run, nil
}

// reconcile gathers exchange state and computes divergences.
func (r *Reconciler) reconcile(ctx context.Context) ([]Divergence, int, int, string, error) {
	openOrders, err := r.broker.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, 0, 0, "", fmt.Errorf("open orders: %w", err)
	}

	local, err := r.store.ProposalsWithBrokerOrders()
	if err != nil {
		return nil, 0, 0, "", fmt.Errorf("local proposals: %w", err)
	}

	localIDs := make(map[int64]bool, len(local))
	for _, p := range local {
		if p.BrokerOrderID != nil {
			localIDs[*p.BrokerOrderID] = true
		}
	}
	exchangeIDs := make(map[int64]bool, len(openOrders))
	for _, o := range openOrders {
		exchangeIDs[o.OrderID] = true
	}

	var divergences []Divergence

	// Orders the exchange knows about but we do not.
	for _, o := range openOrders {
		if !localIDs[o.OrderID] {
			divergences = append(divergences, Divergence{
				Type:    "orphan_order",
				Symbol:  o.Symbol,
				OrderID: o.OrderID,
				Detail:  fmt.Sprintf("open %s %s order %d has no local proposal", o.Side, o.Symbol, o.OrderID),
			})
		}
	}

	// Approved proposals whose order reached a terminal state without
	// our executor seeing it.
	for _, p := range local {
		if p.Status != database.StatusApproved || p.BrokerOrderID == nil || exchangeIDs[*p.BrokerOrderID] {
			continue
		}
		order, err := r.broker.GetOrder(ctx, p.Symbol, *p.BrokerOrderID)
		if err != nil {
			log.Warn().Err(err).Int64("order_id", *p.BrokerOrderID).Msg("⚠️ Could not fetch order state")
			continue
		}
		if terminalOrderStatuses[order.Status] {
			divergences = append(divergences, Divergence{
				Type:       "stale_proposal",
				Symbol:     p.Symbol,
				OrderID:    *p.BrokerOrderID,
				ProposalID: p.ID,
				Detail:     fmt.Sprintf("proposal %d still approved but order %d is %s", p.ID, *p.BrokerOrderID, order.Status),
			})
		}
	}

	if d := r.oracleCheck(ctx); d != nil {
		divergences = append(divergences, *d)
	}

	positions, err := r.store.OpenPositions()
	if err != nil {
		return nil, 0, 0, "", fmt.Errorf("open positions: %w", err)
	}

	balanceJSON, err := r.balanceSnapshot(ctx)
	if err != nil {
		return nil, 0, 0, "", fmt.Errorf("balance snapshot: %w", err)
	}

	return divergences, len(openOrders), len(positions), balanceJSON, nil
}

// oracleCheck compares the broker price against the on-chain feed. An
// unreachable oracle degrades to a log line, not a failed run.
func (r *Reconciler) oracleCheck(ctx context.Context) *Divergence {
	if r.oracle == nil {
		return nil
	}
	symbol := r.oracle.Symbol()

	brokerPrice, err := r.broker.GetPrice(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Oracle check: broker price unavailable")
		return nil
	}
	oraclePrice, updatedAt, err := r.oracle.LatestPrice(ctx)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Oracle check: feed unavailable")
		return nil
	}

	deviation := oracle.Divergence(brokerPrice, oraclePrice)
	if !deviation.GreaterThan(maxOracleDivergence) {
		return nil
	}

	pct := deviation.Mul(decimal.NewFromInt(100))
	log.Warn().
		Str("symbol", symbol).
		Str("broker", brokerPrice.String()).
		Str("oracle", oraclePrice.String()).
		Str("deviation_pct", pct.StringFixed(2)).
		Time("oracle_updated", updatedAt).
		Msg("⚠️ Broker price diverges from oracle")

	return &Divergence{
		Type:   "oracle_price_divergence",
		Symbol: symbol,
		Detail: fmt.Sprintf("%s broker price %s deviates %s%% from oracle %s",
			symbol, brokerPrice.String(), pct.StringFixed(2), oraclePrice.String()),
	}
}

// balanceSnapshot serializes every non-zero balance.
func (r *Reconciler) balanceSnapshot(ctx context.Context) (string, error) {
	account, err := r.broker.GetAccount(ctx)
	if err != nil {
		return "", err
	}
	snapshot := make(map[string]map[string]string)
	for _, b := range account.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		snapshot[b.Asset] = map[string]string{
			"free":   b.Free.String(),
			"locked": b.Locked.String(),
		}
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// report records events and alerts for a finished run.
func (r *Reconciler) report(run *database.ReconciliationRun, divergences []Divergence) {
	if len(divergences) == 0 {
		log.Info().
			Str("run_id", run.RunID).
			Int("orders", run.OrdersSynced).
			Int("positions", run.PositionsSynced).
			Int64("duration_ms", run.DurationMs).
			Msg("✅ Reconciliation clean")
		return
	}

	log.Warn().
		Str("run_id", run.RunID).
		Int("divergences", len(divergences)).
		Msg("⚠️ Reconciliation found divergences")

	for i, d := range divergences {
		event := &database.RiskEvent{
			EventType: "reconciliation_divergence",
			Severity:  database.SeverityWarning,
			Message:   d.Detail,
		}
		if d.ProposalID != 0 {
			id := d.ProposalID
			event.ProposalID = &id
		}
		if b, err := json.Marshal(d); err == nil {
			event.DetailsJSON = string(b)
		}
		if err := r.store.CreateRiskEvent(event); err != nil {
			log.Warn().Err(err).Msg("⚠️ Failed to record divergence event")
		}

		if r.alerter != nil && i < maxDivergenceAlerts {
			r.alerter.Alert(fmt.Sprintf("⚠️ Reconciliation: %s", d.Detail))
		}
	}
	if r.alerter != nil && len(divergences) > maxDivergenceAlerts {
		r.alerter.Alert(fmt.Sprintf("⚠️ Reconciliation: %d further divergence(s) suppressed", len(divergences)-maxDivergenceAlerts))
	}
}
