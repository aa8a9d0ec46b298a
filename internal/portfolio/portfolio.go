// Package portfolio maintains account snapshots and keeps open
// positions marked to market.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
)

// Manager computes portfolio state from broker balances and stored
// positions.
type Manager struct {
	store  *database.Database
	broker binance.Broker
	stream *binance.PriceStream // optional, may be nil
}

// Summary is the operator-facing portfolio view.
type Summary struct {
	SnapshotDate  string              `json:"snapshot_date"`
	TotalBalance  decimal.Decimal     `json:"total_balance"`
	FreeBalance   decimal.Decimal     `json:"free_balance"`
	InPositions   decimal.Decimal     `json:"in_positions"`
	DailyPnl      decimal.Decimal     `json:"daily_pnl"`
	RealizedToday decimal.Decimal     `json:"realized_today"`
	UnrealizedPnl decimal.Decimal     `json:"unrealized_pnl"`
	OpenPositions []database.Position `json:"open_positions"`
	ClosedToday   []database.Position `json:"closed_today"`
}

func NewManager(store *database.Database, broker binance.Broker, stream *binance.PriceStream) *Manager {
	return &Manager{store: store, broker: broker, stream: stream}
}

// Refresh pulls balances, marks every open position to market and
// upserts today's account snapshot. Daily PnL is today's realized
// plus current unrealized.
func (m *Manager) Refresh(ctx context.Context) (*database.AccountSnapshot, error) {
	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: account: %w", err)
	}

	free := decimal.Zero
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			free = b.Free
			break
		}
	}

	positions, err := m.store.OpenPositions()
	if err != nil {
		return nil, fmt.Errorf("portfolio: positions: %w", err)
	}

	inPositions := decimal.Zero
	unrealized := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for _, pos := range positions {
		price, ok := m.lastPrice(ctx, pos.Symbol)
		if !ok {
			// Keep the stale mark rather than zeroing the position.
			inPositions = inPositions.Add(pos.CurrentQuantity.Mul(pos.CurrentPrice))
			unrealized = unrealized.Add(pos.UnrealizedPnl)
			continue
		}

		uPnl := price.Sub(pos.EntryPrice).Mul(pos.CurrentQuantity).Sub(pos.TotalCommission)
		uPct := decimal.Zero
		if pos.EntryNotional.IsPositive() {
			uPct = uPnl.Div(pos.EntryNotional).Mul(hundred)
		}
		err := m.store.UpdateOpenPosition(pos.ID, map[string]interface{}{
			"current_price":      price,
			"unrealized_pnl":     uPnl,
			"unrealized_pnl_pct": uPct,
		})
		if err != nil {
			// Position closed between the list and the mark. Skip it.
			log.Debug().Uint("position_id", pos.ID).Msg("Position closed during mark-to-market")
			continue
		}
		inPositions = inPositions.Add(pos.CurrentQuantity.Mul(price))
		unrealized = unrealized.Add(uPnl)
	}

	dayStart := startOfDayUTC(time.Now())
	realizedToday, err := m.store.RealizedPnlSince(dayStart)
	if err != nil {
		return nil, fmt.Errorf("portfolio: realized pnl: %w", err)
	}

	snap := &database.AccountSnapshot{
		SnapshotDate:  dayStart.Format("2006-01-02"),
		TotalBalance:  free.Add(inPositions),
		FreeBalance:   free,
		InPositions:   inPositions,
		DailyPnl:      realizedToday.Add(unrealized),
		RealizedToday: realizedToday,
		UnrealizedPnl: unrealized,
		OpenPositions: len(positions),
	}
	if balances, err := marshalBalances(account.Balances); err == nil {
		snap.BalancesJSON = balances
	}
	if err := m.store.UpsertAccountSnapshot(snap); err != nil {
		return nil, fmt.Errorf("portfolio: snapshot: %w", err)
	}

	log.Info().
		Str("total", snap.TotalBalance.StringFixed(2)).
		Str("free", snap.FreeBalance.StringFixed(2)).
		Str("daily_pnl", snap.DailyPnl.StringFixed(2)).
		Int("open", snap.OpenPositions).
		Msg("💼 Portfolio refreshed")
	return snap, nil
}

// Summary assembles the portfolio view from stored state without
// touching the broker. Absent a snapshot it returns zeros.
func (m *Manager) Summary() (*Summary, error) {
	s := &Summary{SnapshotDate: startOfDayUTC(time.Now()).Format("2006-01-02")}

	if snap, err := m.store.AccountSnapshotByDate(s.SnapshotDate); err == nil {
		s.TotalBalance = snap.TotalBalance
		s.FreeBalance = snap.FreeBalance
		s.InPositions = snap.InPositions
		s.DailyPnl = snap.DailyPnl
		s.RealizedToday = snap.RealizedToday
		s.UnrealizedPnl = snap.UnrealizedPnl
	}

	open, err := m.store.OpenPositions()
	if err != nil {
		return nil, fmt.Errorf("portfolio: positions: %w", err)
	}
	s.OpenPositions = open

	closed, err := m.store.ClosedPositionsSince(startOfDayUTC(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("portfolio: closed positions: %w", err)
	}
	s.ClosedToday = closed

	return s, nil
}

func (m *Manager) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if m.stream != nil {
		if price, ok := m.stream.LastPrice(symbol); ok {
			return price, true
		}
	}
	price, err := m.broker.GetPrice(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ No price for mark-to-market")
		return decimal.Zero, false
	}
	return price, true
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func marshalBalances(balances []binance.Balance) (string, error) {
	nonZero := make(map[string]map[string]string)
	for _, b := range balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		nonZero[b.Asset] = map[string]string{
			"free":   b.Free.String(),
			"locked": b.Locked.String(),
		}
	}
	b, err := json.Marshal(nonZero)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
