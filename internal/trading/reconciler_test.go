package trading

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/oracle"
)

func newTestReconciler(t *testing.T, broker binance.Broker) (*Reconciler, *database.Database) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "recon_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewReconciler(store, broker), store
}

func TestReconcilerCleanRun(t *testing.T) {
	broker := newFakeBroker(50000)
	rec, store := newTestReconciler(t, broker)

	run, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, database.ReconSuccess, run.Status)
	assert.Equal(t, 0, run.DivergencesFound)
	assert.Equal(t, "none", run.ActionsTaken)
	assert.NotNil(t, run.FinishedAt)
	assert.Contains(t, run.BalanceSnapshotJSON, "USDT")

	latest, err := store.LatestReconRun()
	require.NoError(t, err)
	assert.Equal(t, run.RunID, latest.RunID)
}

func TestReconcilerFlagsOrphanOrder(t *testing.T) {
	broker := newFakeBroker(50000)
	broker.openOrders = []binance.OrderStatus{{
		Symbol:  "BTCUSDT",
		OrderID: 42,
		Side:    "BUY",
		Status:  "NEW",
	}}
	rec, store := newTestReconciler(t, broker)
	alerter := &captureAlerter{}
	rec.SetAlerter(alerter)

	run, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, database.ReconSuccess, run.Status)
	assert.Equal(t, 1, run.DivergencesFound)
	assert.Contains(t, run.DivergencesJSON, "orphan_order")
	assert.Contains(t, run.DivergencesJSON, "42")

	event := findEvent(t, store, "reconciliation_divergence")
	require.NotNil(t, event)
	assert.Equal(t, database.SeverityWarning, event.Severity)
	require.Len(t, alerter.messages, 1)
	assert.Contains(t, alerter.messages[0], "order 42")
}

func TestReconcilerFlagsStaleProposal(t *testing.T) {
	broker := newFakeBroker(50000)
	orderID := int64(7)
	broker.orders[orderID] = &binance.OrderStatus{
		Symbol:  "BTCUSDT",
		OrderID: orderID,
		Status:  "FILLED",
	}
	rec, store := newTestReconciler(t, broker)

	p := &database.TradeProposal{
		Symbol: "BTCUSDT", Side: database.SideBuy,
		Quantity: decimal.NewFromFloat(0.001), OrderType: database.OrderTypeMarket,
		Notional: decimal.NewFromInt(50), Status: database.StatusApproved,
		BrokerOrderID: &orderID,
	}
	require.NoError(t, store.CreateProposal(p))

	run, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, run.DivergencesFound)
	assert.Contains(t, run.DivergencesJSON, "stale_proposal")
	assert.Contains(t, run.DivergencesJSON, "FILLED")

	// The reconciler reports, it does not heal.
	row, err := store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusApproved, row.Status)
}

func TestReconcilerIgnoresTrackedOpenOrders(t *testing.T) {
	broker := newFakeBroker(50000)
	orderID := int64(9)
	broker.openOrders = []binance.OrderStatus{{
		Symbol:  "BTCUSDT",
		OrderID: orderID,
		Status:  "NEW",
	}}
	rec, store := newTestReconciler(t, broker)

	p := &database.TradeProposal{
		Symbol: "BTCUSDT", Side: database.SideBuy,
		Quantity: decimal.NewFromFloat(0.001), OrderType: database.OrderTypeLimit,
		Notional: decimal.NewFromInt(50), Status: database.StatusApproved,
		BrokerOrderID: &orderID,
	}
	require.NoError(t, store.CreateProposal(p))

	run, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.DivergencesFound, "a tracked open order is not a divergence")
	assert.Equal(t, 1, run.OrdersSynced)
}

func TestReconcilerCapsAlerts(t *testing.T) {
	broker := newFakeBroker(50000)
	for i := int64(1); i <= 7; i++ {
		broker.openOrders = append(broker.openOrders, binance.OrderStatus{
			Symbol:  "BTCUSDT",
			OrderID: 100 + i,
			Status:  "NEW",
		})
	}
	rec, store := newTestReconciler(t, broker)
	alerter := &captureAlerter{}
	rec.SetAlerter(alerter)

	run, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, run.DivergencesFound)

	// 5 individual alerts plus one suppression summary.
	require.Len(t, alerter.messages, 6)
	assert.Contains(t, alerter.messages[5], "suppressed")

	// Every divergence still lands in the audit trail.
	events, err := store.ListRiskEvents(time.Time{}, 100)
	require.NoError(t, err)
	count := 0
	for _, e := range events {
		if e.EventType == "reconciliation_divergence" {
			count++
		}
	}
	assert.Equal(t, 7, count)
}

func TestReconcilerBrokerFailureRecordsErrorRun(t *testing.T) {
	broker := newFakeBroker(50000)
	broker.openOrdersErr = errors.New("exchange maintenance")
	rec, store := newTestReconciler(t, broker)

	run, err := rec.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, database.ReconError, run.Status)
	assert.Contains(t, run.ErrorMessage, "exchange maintenance")
	assert.NotNil(t, run.FinishedAt)

	latest, lerr := store.LatestReconRun()
	require.NoError(t, lerr)
	assert.Equal(t, database.ReconError, latest.Status)
}

func TestReconcilerCountsOpenPositions(t *testing.T) {
	broker := newFakeBroker(50000)
	rec, store := newTestReconciler(t, broker)

	for i := 0; i < 2; i++ {
		entry := decimal.NewFromInt(50000)
		qty := decimal.NewFromFloat(0.001)
		require.NoError(t, store.CreatePosition(&database.Position{
			Symbol: fmt.Sprintf("SYM%dUSDT", i), Side: database.SideLong,
			Status: database.PositionOpen, EntryPrice: entry, EntryQuantity: qty,
			EntryNotional: entry.Mul(qty), CurrentPrice: entry, CurrentQuantity: qty,
		}))
	}

	run, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, run.PositionsSynced)
}

func oracleRPCServer(t *testing.T, answer int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Unix()
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":"0x%064x%064x%064x%064x%064x"}`,
			1, answer, now, now, 1)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReconcilerFlagsOraclePriceDivergence(t *testing.T) {
	broker := newFakeBroker(50000)
	rec, store := newTestReconciler(t, broker)

	// Feed reads 48000: the broker sits ~4.2% above it.
	srv := oracleRPCServer(t, 4800000000000)
	rec.SetOracle(oracle.NewClient(srv.URL, "0xfeed", "BTCUSDT"))

	run, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, run.DivergencesFound)
	assert.Contains(t, run.DivergencesJSON, "oracle_price_divergence")
	assert.Contains(t, run.DivergencesJSON, "48000")

	events, err := store.ListRiskEvents(time.Time{}, 10)
	require.NoError(t, err)
	var flagged bool
	for _, e := range events {
		if e.EventType == "reconciliation_divergence" {
			flagged = true
		}
	}
	assert.True(t, flagged, "divergence event recorded")
}

func TestReconcilerOracleWithinToleranceIsClean(t *testing.T) {
	broker := newFakeBroker(50000)
	rec, _ := newTestReconciler(t, broker)

	// Feed reads 49500: 1% off, inside the 2% band.
	srv := oracleRPCServer(t, 4950000000000)
	rec.SetOracle(oracle.NewClient(srv.URL, "0xfeed", "BTCUSDT"))

	run, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.DivergencesFound)
}

func TestReconcilerOracleOutageDoesNotFailRun(t *testing.T) {
	broker := newFakeBroker(50000)
	rec, _ := newTestReconciler(t, broker)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	rec.SetOracle(oracle.NewClient(srv.URL, "0xfeed", "BTCUSDT"))

	run, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, database.ReconSuccess, run.Status)
	assert.Equal(t, 0, run.DivergencesFound)
}
