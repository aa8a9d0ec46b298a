package portfolio

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
	price      decimal.Decimal
	priceErr   error
	account    *binance.Account
	accountErr error
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

func newTestManager(t *testing.T, broker binance.Broker) (*Manager, *database.Database) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "portfolio_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, broker, nil), store
}

func usdtBroker(free int64, price int64) *fakeBroker {
	return &fakeBroker{
		price: decimal.NewFromInt(price),
		account: &binance.Account{
			CanTrade: true,
			Balances: []binance.Balance{
				{Asset: "USDT", Free: decimal.NewFromInt(free)},
				{Asset: "BTC", Free: decimal.NewFromFloat(0.002)},
			},
		},
	}
}

func seedPosition(t *testing.T, store *database.Database, symbol string, entry, qty float64) *database.Position {
	t.Helper()
	entryPrice := decimal.NewFromFloat(entry)
	quantity := decimal.NewFromFloat(qty)
	pos := &database.Position{
		Symbol:          symbol,
		Side:            database.SideLong,
		Status:          database.PositionOpen,
		EntryPrice:      entryPrice,
		EntryQuantity:   quantity,
		EntryNotional:   entryPrice.Mul(quantity),
		CurrentPrice:    entryPrice,
		CurrentQuantity: quantity,
		OpenedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.CreatePosition(pos))
	return pos
}

func TestRefreshMarksPositionsToMarket(t *testing.T) {
	broker := usdtBroker(1000, 51000)
	mgr, store := newTestManager(t, broker)

	pos := seedPosition(t, store, "BTCUSDT", 50000, 0.002)

	snap, err := mgr.Refresh(context.Background())
	require.NoError(t, err)

	// (51000 - 50000) * 0.002 = 2 unrealized
	assert.True(t, snap.UnrealizedPnl.Equal(decimal.NewFromInt(2)), "unrealized %s", snap.UnrealizedPnl)
	assert.True(t, snap.DailyPnl.Equal(decimal.NewFromInt(2)), "daily %s", snap.DailyPnl)
	assert.True(t, snap.InPositions.Equal(decimal.NewFromInt(102)), "in positions %s", snap.InPositions)
	assert.True(t, snap.TotalBalance.Equal(decimal.NewFromInt(1102)), "total %s", snap.TotalBalance)
	assert.True(t, snap.FreeBalance.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, snap.OpenPositions)
	assert.Contains(t, snap.BalancesJSON, "USDT")

	row, err := store.GetPosition(pos.ID)
	require.NoError(t, err)
	assert.True(t, row.CurrentPrice.Equal(decimal.NewFromInt(51000)))
	assert.True(t, row.UnrealizedPnl.Equal(decimal.NewFromInt(2)))
}

func TestRefreshDailyPnlCombinesRealizedAndUnrealized(t *testing.T) {
	broker := usdtBroker(1000, 51000)
	mgr, store := newTestManager(t, broker)

	seedPosition(t, store, "BTCUSDT", 50000, 0.002)

	// A position closed earlier today at a 5 dollar loss.
	now := time.Now().UTC()
	closedAt := now.Add(-time.Hour)
	if closedAt.Day() != now.Day() {
		closedAt = now // midnight edge, keep it inside today
	}
	entry := decimal.NewFromInt(3000)
	qty := decimal.NewFromFloat(0.01)
	require.NoError(t, store.CreatePosition(&database.Position{
		Symbol: "ETHUSDT", Side: database.SideLong, Status: database.PositionClosed,
		EntryPrice: entry, EntryQuantity: qty, EntryNotional: entry.Mul(qty),
		CurrentPrice: entry, CurrentQuantity: decimal.Zero,
		RealizedPnl: decimal.NewFromInt(-5),
		OpenedAt:    closedAt.Add(-time.Hour), ClosedAt: &closedAt,
	}))

	snap, err := mgr.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.RealizedToday.Equal(decimal.NewFromInt(-5)), "realized %s", snap.RealizedToday)
	assert.True(t, snap.UnrealizedPnl.Equal(decimal.NewFromInt(2)))
	assert.True(t, snap.DailyPnl.Equal(decimal.NewFromInt(-3)), "daily %s", snap.DailyPnl)
}

func TestRefreshKeepsStaleMarkWhenPriceUnavailable(t *testing.T) {
	broker := usdtBroker(1000, 51000)
	broker.priceErr = errors.New("ticker down")
	mgr, store := newTestManager(t, broker)

	pos := seedPosition(t, store, "BTCUSDT", 50000, 0.002)

	snap, err := mgr.Refresh(context.Background())
	require.NoError(t, err)

	// Stale mark: entry price carried through.
	assert.True(t, snap.InPositions.Equal(decimal.NewFromInt(100)), "in positions %s", snap.InPositions)

	row, err := store.GetPosition(pos.ID)
	require.NoError(t, err)
	assert.True(t, row.CurrentPrice.Equal(decimal.NewFromInt(50000)), "mark unchanged")
}

func TestRefreshFailsWithoutAccount(t *testing.T) {
	broker := &fakeBroker{accountErr: errors.New("auth expired")}
	mgr, _ := newTestManager(t, broker)

	_, err := mgr.Refresh(context.Background())
	assert.Error(t, err)
}

func TestRefreshUpsertsSingleDailyRow(t *testing.T) {
	broker := usdtBroker(1000, 51000)
	mgr, store := newTestManager(t, broker)

	_, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	_, err = mgr.Refresh(context.Background())
	require.NoError(t, err)

	snaps, err := store.LatestAccountSnapshots(10)
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "same-day refreshes share one row")
}

func TestSummaryFromEmptyStore(t *testing.T) {
	broker := usdtBroker(1000, 51000)
	mgr, _ := newTestManager(t, broker)

	s, err := mgr.Summary()
	require.NoError(t, err)
	assert.True(t, s.TotalBalance.IsZero())
	assert.Empty(t, s.OpenPositions)
	assert.Empty(t, s.ClosedToday)
}

func TestSummaryReflectsSnapshotAndPositions(t *testing.T) {
	broker := usdtBroker(1000, 51000)
	mgr, store := newTestManager(t, broker)

	seedPosition(t, store, "BTCUSDT", 50000, 0.002)
	_, err := mgr.Refresh(context.Background())
	require.NoError(t, err)

	s, err := mgr.Summary()
	require.NoError(t, err)
	assert.True(t, s.TotalBalance.Equal(decimal.NewFromInt(1102)))
	assert.Len(t, s.OpenPositions, 1)
}
