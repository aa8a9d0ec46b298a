package risk

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
	"github.com/web3guy0/spotbot/internal/database"
)

type fakeBroker struct {
	binance.Broker
	account    *binance.Account
	accountErr error
}

func (f *fakeBroker) GetAccount(ctx context.Context) (*binance.Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return f.account, nil
}

func newTestStore(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "risk_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func richBroker() *fakeBroker {
	return &fakeBroker{account: &binance.Account{
		CanTrade: true,
		Balances: []binance.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1000)}},
	}}
}

func testLimits() Limits {
	return Limits{
		MinPositionUSD:       decimal.NewFromInt(10),
		MaxPositionUSD:       decimal.NewFromInt(500),
		MaxOpenPositions:     3,
		MaxPerSymbol:         1,
		MaxUtilization:       decimal.NewFromFloat(0.8),
		MaxDailyLossUSD:      decimal.NewFromInt(50),
		AutoApproveThreshold: decimal.NewFromInt(100),
		EntropyThreshold:     decimal.NewFromFloat(0.85),
		PrimaryInterval:      "15m",
	}
}

func buyRequest(notional int64) Request {
	n := decimal.NewFromInt(notional)
	price := decimal.NewFromInt(50000)
	return Request{
		Symbol:   "BTCUSDT",
		Side:     database.SideBuy,
		Quantity: n.Div(price),
		Price:    price,
		Notional: n,
	}
}

func openPosition(symbol string, notional int64) *database.Position {
	n := decimal.NewFromInt(notional)
	price := decimal.NewFromInt(100)
	qty := n.Div(price)
	return &database.Position{
		Symbol:          symbol,
		Side:            database.SideLong,
		Status:          database.PositionOpen,
		EntryPrice:      price,
		EntryQuantity:   qty,
		EntryNotional:   n,
		CurrentPrice:    price,
		CurrentQuantity: qty,
		OpenedAt:        time.Now().UTC(),
	}
}

func TestEvaluateApprovesSmallTrade(t *testing.T) {
	gate := NewGate(testLimits(), newTestStore(t), richBroker())

	verdict := gate.Evaluate(context.Background(), buyRequest(50))

	assert.True(t, verdict.Approved)
	assert.True(t, verdict.AutoApproved)
	assert.Empty(t, verdict.RejectionReason)
	assert.True(t, verdict.RiskScore.Equal(decimal.NewFromInt(4)),
		"expected score 4, got %s", verdict.RiskScore)
}

func TestEvaluatePositionSizeBoundsAreInclusive(t *testing.T) {
	gate := NewGate(testLimits(), newTestStore(t), richBroker())
	ctx := context.Background()

	assert.True(t, gate.Evaluate(ctx, buyRequest(10)).Approved, "notional at minimum should pass")
	assert.True(t, gate.Evaluate(ctx, buyRequest(500)).Approved, "notional at maximum should pass")

	below := gate.Evaluate(ctx, buyRequest(9))
	assert.False(t, below.Approved)
	assert.Contains(t, below.RejectionReason, "below minimum")

	above := gate.Evaluate(ctx, buyRequest(501))
	assert.False(t, above.Approved)
	assert.Contains(t, above.RejectionReason, "exceeds maximum")
}

func TestEvaluateBlocksAtMaxOpenPositions(t *testing.T) {
	store := newTestStore(t)
	for _, sym := range []string{"ETHUSDT", "BNBUSDT", "SOLUSDT"} {
		require.NoError(t, store.CreatePosition(openPosition(sym, 50)))
	}
	gate := NewGate(testLimits(), store, richBroker())

	verdict := gate.Evaluate(context.Background(), buyRequest(50))

	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.RejectionReason, "max open positions")
}

func TestEvaluateSymbolConcentrationOnlyGatesBuys(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreatePosition(openPosition("BTCUSDT", 50)))
	gate := NewGate(testLimits(), store, richBroker())
	ctx := context.Background()

	buy := gate.Evaluate(ctx, buyRequest(50))
	assert.False(t, buy.Approved)
	assert.Contains(t, buy.RejectionReason, "per symbol")

	sell := buyRequest(50)
	sell.Side = database.SideSell
	assert.True(t, gate.Evaluate(ctx, sell).Approved)
}

func TestEvaluateSkipsBalanceCheckWhenBrokerDown(t *testing.T) {
	broker := &fakeBroker{accountErr: errors.New("connection refused")}
	gate := NewGate(testLimits(), newTestStore(t), broker)

	verdict := gate.Evaluate(context.Background(), buyRequest(50))

	assert.True(t, verdict.Approved)
	var balance *CheckResult
	for i := range verdict.Checks {
		if verdict.Checks[i].Name == "account_balance" {
			balance = &verdict.Checks[i]
		}
	}
	require.NotNil(t, balance)
	assert.True(t, balance.Passed)
	assert.Contains(t, balance.Message, "skipped")
}

func TestEvaluateRejectsOnInsufficientBalance(t *testing.T) {
	broker := &fakeBroker{account: &binance.Account{
		Balances: []binance.Balance{{Asset: "USDT", Free: decimal.NewFromInt(20)}},
	}}
	gate := NewGate(testLimits(), newTestStore(t), broker)

	verdict := gate.Evaluate(context.Background(), buyRequest(50))

	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.RejectionReason, "Insufficient balance")
}

func TestEvaluateDailyLossLimit(t *testing.T) {
	store := newTestStore(t)
	today := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, store.UpsertAccountSnapshot(&database.AccountSnapshot{
		SnapshotDate: today,
		TotalBalance: decimal.NewFromInt(900),
		DailyPnl:     decimal.NewFromInt(-60),
	}))
	gate := NewGate(testLimits(), store, richBroker())

	verdict := gate.Evaluate(context.Background(), buyRequest(50))

	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.RejectionReason, "Daily loss limit")

	events, err := store.ListRiskEvents(time.Time{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	found := false
	for _, e := range events {
		if e.EventType == "daily_loss_limit" {
			found = true
			assert.Equal(t, database.SeverityCritical, e.Severity)
		}
	}
	assert.True(t, found, "expected a daily_loss_limit event")
}

func TestEvaluateDailyLossExactLimitBlocks(t *testing.T) {
	store := newTestStore(t)
	today := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, store.UpsertAccountSnapshot(&database.AccountSnapshot{
		SnapshotDate: today,
		DailyPnl:     decimal.NewFromInt(-50),
	}))
	gate := NewGate(testLimits(), store, richBroker())

	assert.False(t, gate.Evaluate(context.Background(), buyRequest(50)).Approved,
		"PnL exactly at -limit should block")
}

func TestEvaluateEntropyGate(t *testing.T) {
	limits := testLimits()
	limits.QuantEnabled = true

	cases := []struct {
		name    string
		ratio   float64
		blocked bool
	}{
		{"below threshold passes", 0.84, false},
		{"at threshold blocks", 0.85, true},
		{"above threshold blocks", 0.90, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, store.UpsertEntropy(&database.EntropyReading{
				Symbol:       "BTCUSDT",
				Interval:     "15m",
				Entropy:      decimal.NewFromFloat(tc.ratio * 3.32),
				MaxEntropy:   decimal.NewFromFloat(3.32),
				EntropyRatio: decimal.NewFromFloat(tc.ratio),
				Bins:         10,
				SampleSize:   30,
			}))
			gate := NewGate(limits, store, richBroker())

			verdict := gate.Evaluate(context.Background(), buyRequest(50))

			if tc.blocked {
				assert.False(t, verdict.Approved)
				assert.Contains(t, verdict.RejectionReason, "Entropy")

				events, err := store.ListRiskEvents(time.Time{}, 10)
				require.NoError(t, err)
				require.NotEmpty(t, events)
				assert.Equal(t, "entropy_gate_blocked", events[0].EventType)
				assert.Equal(t, database.SeverityWarning, events[0].Severity)
			} else {
				assert.True(t, verdict.Approved)
			}
		})
	}
}

func TestEvaluateRegimeCheck(t *testing.T) {
	limits := testLimits()
	limits.QuantEnabled = true

	seed := func(t *testing.T, store *database.Database, regime string, conf int64) {
		require.NoError(t, store.UpsertRegime(&database.MarketRegime{
			Symbol:     "BTCUSDT",
			Interval:   "15m",
			Regime:     regime,
			Confidence: decimal.NewFromInt(conf),
		}))
	}

	t.Run("volatile above 60 blocks", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, database.RegimeVolatile, 61)
		gate := NewGate(limits, store, richBroker())
		assert.False(t, gate.Evaluate(context.Background(), buyRequest(50)).Approved)
	})

	t.Run("volatile at 60 passes", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, database.RegimeVolatile, 60)
		gate := NewGate(limits, store, richBroker())
		assert.True(t, gate.Evaluate(context.Background(), buyRequest(50)).Approved)
	})

	t.Run("confident downtrend blocks buys not sells", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, database.RegimeTrendingDown, 75)
		gate := NewGate(limits, store, richBroker())

		assert.False(t, gate.Evaluate(context.Background(), buyRequest(50)).Approved)

		sell := buyRequest(50)
		sell.Side = database.SideSell
		assert.True(t, gate.Evaluate(context.Background(), sell).Approved)
	})
}

func TestEvaluateSizeValidation(t *testing.T) {
	limits := testLimits()
	limits.QuantEnabled = true
	store := newTestStore(t)
	require.NoError(t, store.UpsertSizing(&database.SizingRecommendation{
		Symbol:          "BTCUSDT",
		RecommendedSize: decimal.NewFromInt(40),
		Method:          "kelly_atr",
	}))
	gate := NewGate(limits, store, richBroker())
	ctx := context.Background()

	assert.True(t, gate.Evaluate(ctx, buyRequest(60)).Approved, "1.5x recommended is allowed")

	verdict := gate.Evaluate(ctx, buyRequest(61))
	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.RejectionReason, "recommended size")
}

func TestEvaluateQuantCapsAutoApproval(t *testing.T) {
	limits := testLimits()
	limits.QuantEnabled = true
	limits.AutoApproveThreshold = decimal.NewFromInt(200)
	gate := NewGate(limits, newTestStore(t), richBroker())

	verdict := gate.Evaluate(context.Background(), buyRequest(150))

	assert.True(t, verdict.Approved)
	assert.False(t, verdict.AutoApproved, "quant mode caps auto-approval at $100")
}

func TestRiskScoreClampsToHundred(t *testing.T) {
	gate := NewGate(testLimits(), newTestStore(t), richBroker())

	score := gate.riskScore(decimal.NewFromInt(600), 4, 3)
	assert.True(t, score.Equal(decimal.NewFromInt(100)), "got %s", score)

	score = gate.riskScore(decimal.NewFromInt(250), 1, 1)
	assert.True(t, score.Equal(decimal.NewFromInt(55)), "40*0.5 + 20 + 15, got %s", score)
}

func TestMarshalChecksRoundTrip(t *testing.T) {
	checks := []CheckResult{
		{Name: "position_size", Passed: true, Message: "ok"},
		{Name: "entropy_gate", Passed: false, Message: "too random", Value: "0.9", Limit: "0.85"},
	}
	restored := UnmarshalChecks(MarshalChecks(checks))
	require.Len(t, restored, 2)
	assert.Equal(t, checks, restored)
}
