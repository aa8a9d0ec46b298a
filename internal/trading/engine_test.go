package trading

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/risk"
)

type fakeBroker struct {
	binance.Broker
	price      decimal.Decimal
	priceErr   error
	account    *binance.Account
	accountErr error
	placeFn       func(binance.OrderRequest) (*binance.OrderResponse, error)
	placed        []binance.OrderRequest
	openOrders    []binance.OrderStatus
	openOrdersErr error
	orders        map[int64]*binance.OrderStatus
	nextID        int64
}

func newFakeBroker(price int64) *fakeBroker {
	return &fakeBroker{
		price: decimal.NewFromInt(price),
		account: &binance.Account{
			CanTrade: true,
			Balances: []binance.Balance{{Asset: "USDT", Free: decimal.NewFromInt(10000)}},
		},
		orders: make(map[int64]*binance.OrderStatus),
		nextID: 1000,
	}
}

func (f *fakeBroker) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	return f.price, nil
}

func (f *fakeBroker) GetAccount(ctx context.Context) (*binance.Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return f.account, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req binance.OrderRequest) (*binance.OrderResponse, error) {
	f.placed = append(f.placed, req)
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	f.nextID++
	return &binance.OrderResponse{
		Symbol:        req.Symbol,
		OrderID:       f.nextID,
		ClientOrderID: req.ClientOrderID,
		ExecutedQty:   req.Quantity,
		Status:        "FILLED",
		Fills: []binance.Fill{{
			Price:           f.price,
			Qty:             req.Quantity,
			Commission:      decimal.Zero,
			CommissionAsset: "USDT",
		}},
	}, nil
}

func (f *fakeBroker) GetOpenOrders(ctx context.Context, symbol string) ([]binance.OrderStatus, error) {
	if f.openOrdersErr != nil {
		return nil, f.openOrdersErr
	}
	return f.openOrders, nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, symbol string, orderID int64) (*binance.OrderStatus, error) {
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return &binance.OrderStatus{Symbol: symbol, OrderID: orderID, Status: "NEW"}, nil
}

type captureAlerter struct {
	messages []string
}

func (c *captureAlerter) Alert(message string) {
	c.messages = append(c.messages, message)
}

func testConfig() *config.Config {
	return &config.Config{
		TradingEnabled:       true,
		QuantEnabled:         false,
		Symbols:              []string{"BTCUSDT"},
		PrimaryInterval:      "15m",
		MinPositionUSD:       decimal.NewFromInt(10),
		MaxPositionUSD:       decimal.NewFromInt(500),
		MaxOpenPositions:     3,
		MaxPerSymbol:         1,
		MaxUtilization:       decimal.NewFromFloat(0.8),
		MaxDailyLossUSD:      decimal.NewFromInt(50),
		AutoApproveThreshold: decimal.NewFromInt(100),
		MaxRetries:           3,
		StopLossPct:          decimal.NewFromFloat(0.02),
		TakeProfitPct:        decimal.NewFromFloat(0.04),
		SignalNotional:       decimal.NewFromInt(100),
		SignalCooldown:       240 * time.Minute,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, broker binance.Broker) (*Engine, *database.Database) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "trading_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	gate := risk.NewGate(risk.FromConfig(cfg), store, broker)
	return NewEngine(cfg, store, broker, gate, nil), store
}

func findEvent(t *testing.T, store *database.Database, eventType string) *database.RiskEvent {
	t.Helper()
	events, err := store.ListRiskEvents(time.Time{}, 100)
	require.NoError(t, err)
	for i := range events {
		if events[i].EventType == eventType {
			return &events[i]
		}
	}
	return nil
}

func TestCreateProposalAutoApprovesAndExecutes(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, store := newTestEngine(t, testConfig(), broker)

	p, err := engine.CreateProposal(context.Background(), ProposalRequest{
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Quantity: decimal.NewFromFloat(0.001), // $50 at 50000
		Strategy: "manual",
	})
	require.NoError(t, err)

	assert.Equal(t, database.StatusExecuted, p.Status)
	assert.True(t, p.AutoApproved)
	assert.True(t, p.Notional.Equal(decimal.NewFromInt(50)), "notional %s", p.Notional)
	require.NotNil(t, p.BrokerOrderID)
	require.NotNil(t, p.ExecutedPrice)
	assert.True(t, p.ExecutedPrice.Equal(decimal.NewFromInt(50000)))
	assert.NotEmpty(t, p.ClientOrderID)
	require.NotNil(t, p.ValidatedAt)
	require.NotNil(t, p.ApprovedAt)
	require.NotNil(t, p.ExecutedAt)

	positions, err := store.OpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(50000)))
	require.NotNil(t, pos.StopLossPrice)
	require.NotNil(t, pos.TakeProfitPrice)
	assert.True(t, pos.StopLossPrice.Equal(decimal.NewFromInt(49000)), "stop %s", pos.StopLossPrice)
	assert.True(t, pos.TakeProfitPrice.Equal(decimal.NewFromInt(52000)), "target %s", pos.TakeProfitPrice)
	require.NotNil(t, pos.ProposalID)
	assert.Equal(t, p.ID, *pos.ProposalID)
}

func TestCreateProposalAboveThresholdAwaitsApproval(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, store := newTestEngine(t, testConfig(), broker)
	ctx := context.Background()

	p, err := engine.CreateProposal(ctx, ProposalRequest{
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Quantity: decimal.NewFromFloat(0.004), // $200
	})
	require.NoError(t, err)
	assert.Equal(t, database.StatusValidated, p.Status)
	assert.False(t, p.AutoApproved)
	assert.Empty(t, broker.placed, "nothing should execute before approval")

	approved, err := engine.Approve(p.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusApproved, approved.Status)

	batch := engine.ExecuteAllApproved(ctx)
	assert.Equal(t, 1, batch.Executed)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, 1, batch.Total)

	final, err := store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusExecuted, final.Status)
}

func TestCreateProposalNotionalAtThresholdIsNotAuto(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, _ := newTestEngine(t, testConfig(), broker)

	p, err := engine.CreateProposal(context.Background(), ProposalRequest{
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Quantity: decimal.NewFromFloat(0.002), // exactly $100
	})
	require.NoError(t, err)
	assert.Equal(t, database.StatusValidated, p.Status)
	assert.False(t, p.AutoApproved, "auto-approval requires notional strictly below the threshold")
}

func TestCreateProposalRejectedByGate(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, _ := newTestEngine(t, testConfig(), broker)

	p, err := engine.CreateProposal(context.Background(), ProposalRequest{
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Quantity: decimal.NewFromFloat(0.0001), // $5, below minimum
	})
	require.NoError(t, err)
	assert.Equal(t, database.StatusRejected, p.Status)
	assert.Contains(t, p.RejectionReason, "below minimum")
	assert.NotEmpty(t, p.RiskChecks)
	assert.Empty(t, broker.placed)
}

func TestCreateProposalValidatesInput(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, _ := newTestEngine(t, testConfig(), broker)
	ctx := context.Background()

	_, err := engine.CreateProposal(ctx, ProposalRequest{Side: "buy", Quantity: decimal.NewFromInt(1)})
	assert.Error(t, err, "missing symbol")

	_, err = engine.CreateProposal(ctx, ProposalRequest{Symbol: "BTCUSDT", Side: "hold", Quantity: decimal.NewFromInt(1)})
	assert.Error(t, err, "bad side")

	_, err = engine.CreateProposal(ctx, ProposalRequest{Symbol: "BTCUSDT", Side: "buy", Quantity: decimal.Zero})
	assert.Error(t, err, "zero quantity")
}

func TestKillSwitchSuppressesExecution(t *testing.T) {
	cfg := testConfig()
	cfg.TradingEnabled = false
	broker := newFakeBroker(50000)
	engine, _ := newTestEngine(t, cfg, broker)
	ctx := context.Background()

	p, err := engine.CreateProposal(ctx, ProposalRequest{
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Quantity: decimal.NewFromFloat(0.001),
	})
	require.NoError(t, err)
	assert.Equal(t, database.StatusApproved, p.Status, "auto-approved but not executed")
	assert.Empty(t, broker.placed)

	assert.Equal(t, 0, engine.ExecuteAllApproved(ctx).Executed)
	assert.Empty(t, broker.placed)

	engine.Enable()
	assert.Equal(t, 1, engine.ExecuteAllApproved(ctx).Executed)
	assert.Len(t, broker.placed, 1)
}

func TestApproveRequiresValidatedState(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, store := newTestEngine(t, testConfig(), broker)

	p := &database.TradeProposal{
		Symbol: "BTCUSDT", Side: "buy",
		Quantity: decimal.NewFromFloat(0.001), OrderType: database.OrderTypeMarket,
		Notional: decimal.NewFromInt(50), Status: database.StatusExecuted,
	}
	require.NoError(t, store.CreateProposal(p))

	_, err := engine.Approve(p.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = engine.Reject(p.ID, "late")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestExecutionErrorMovesProposalToError(t *testing.T) {
	broker := newFakeBroker(50000)
	broker.placeFn = func(req binance.OrderRequest) (*binance.OrderResponse, error) {
		return nil, errors.New("order rejected")
	}
	engine, store := newTestEngine(t, testConfig(), broker)
	alerter := &captureAlerter{}
	engine.SetAlerter(alerter)

	p, err := engine.CreateProposal(context.Background(), ProposalRequest{
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Quantity: decimal.NewFromFloat(0.001),
	})
	require.NoError(t, err)
	assert.Equal(t, database.StatusError, p.Status)
	assert.Contains(t, p.ErrorMessage, "order rejected")

	event := findEvent(t, store, "execution_error")
	require.NotNil(t, event)
	assert.Equal(t, database.SeverityCritical, event.Severity)
	assert.NotEmpty(t, alerter.messages)
}

func TestRetrySweepDeadLettersAtLimit(t *testing.T) {
	cfg := testConfig()
	broker := newFakeBroker(50000)
	engine, store := newTestEngine(t, cfg, broker)

	p := &database.TradeProposal{
		Symbol: "BTCUSDT", Side: "buy",
		Quantity: decimal.NewFromFloat(0.001), OrderType: database.OrderTypeMarket,
		Notional: decimal.NewFromInt(50), Status: database.StatusError,
		ErrorMessage: "insufficient balance",
	}
	require.NoError(t, store.CreateProposal(p))

	// First two sweeps requeue with a bumped retry count.
	for want := 1; want <= 2; want++ {
		requeued, dead := engine.RetrySweep()
		assert.Equal(t, 1, requeued)
		assert.Equal(t, 0, dead)

		row, err := store.GetProposal(p.ID)
		require.NoError(t, err)
		assert.Equal(t, database.StatusApproved, row.Status)
		assert.Equal(t, want, row.RetryCount)

		require.NoError(t, store.TransitionProposal(p.ID, database.StatusApproved, database.StatusError, nil))
	}

	// Third failure crosses the limit.
	requeued, dead := engine.RetrySweep()
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, dead)

	row, err := store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusDeadLetter, row.Status)
	assert.Equal(t, 3, row.RetryCount)

	event := findEvent(t, store, "proposal_dead_lettered")
	require.NotNil(t, event)
	assert.Equal(t, database.SeverityCritical, event.Severity)
}

func TestDeadLetterRetryAndCancel(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, store := newTestEngine(t, testConfig(), broker)

	seed := func() *database.TradeProposal {
		p := &database.TradeProposal{
			Symbol: "BTCUSDT", Side: "buy",
			Quantity: decimal.NewFromFloat(0.001), OrderType: database.OrderTypeMarket,
			Notional: decimal.NewFromInt(50), Status: database.StatusDeadLetter,
			RetryCount: 3, ErrorMessage: "timeout",
		}
		require.NoError(t, store.CreateProposal(p))
		return p
	}

	retried, err := engine.RetryDeadLetter(seed().ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusApproved, retried.Status)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Empty(t, retried.ErrorMessage)

	cancelled, err := engine.CancelDeadLetter(seed().ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusCancelled, cancelled.Status)

	// Neither operation applies to proposals outside the dead letter queue.
	_, err = engine.RetryDeadLetter(retried.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = engine.CancelDeadLetter(retried.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestExecuteRequiresApprovedState(t *testing.T) {
	broker := newFakeBroker(50000)
	engine, store := newTestEngine(t, testConfig(), broker)

	p := &database.TradeProposal{
		Symbol: "BTCUSDT", Side: "buy",
		Quantity: decimal.NewFromFloat(0.001), OrderType: database.OrderTypeMarket,
		Notional: decimal.NewFromInt(50), Status: database.StatusDraft,
	}
	require.NoError(t, store.CreateProposal(p))

	err := engine.Execute(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Empty(t, broker.placed)
}
