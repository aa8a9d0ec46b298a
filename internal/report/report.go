// Package report builds and delivers the once-a-day trading summary.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/database"
)

// Sender delivers a formatted report. The Telegram notifier implements it;
// without one the reporter still builds summaries for the API.
type Sender interface {
	SendMarkdown(text string) error
}

// TradingState reports whether live placement is currently enabled.
type TradingState interface {
	IsEnabled() bool
}

// reportWindow is how far into a new UTC day the scheduled send may fire.
const reportWindow = 2 * time.Minute

// Daily is one UTC day's aggregated trading summary.
type Daily struct {
	Date           string           `json:"date"`
	Balance        decimal.Decimal  `json:"balance"`
	BalanceDelta   *decimal.Decimal `json:"balance_delta,omitempty"`
	RealizedPnl    decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnl  decimal.Decimal  `json:"unrealized_pnl"`
	DailyPnl       decimal.Decimal  `json:"daily_pnl"`
	TradesClosed   int              `json:"trades_closed"`
	Winners        int              `json:"winners"`
	Losers         int              `json:"losers"`
	OpenPositions  int              `json:"open_positions"`
	ErrorsToday    int64            `json:"errors_today"`
	DeadLetters    int64            `json:"dead_letters"`
	ReconRuns      int              `json:"recon_runs"`
	Divergences    int              `json:"divergences"`
	CriticalEvents int64            `json:"critical_events"`
	TradingEnabled bool             `json:"trading_enabled"`
}

// Reporter aggregates the day's activity and pushes it to the sender at
// most once per UTC day. The sent-date guard lives on the reporter, not in
// a package global, so tests can run reporters side by side.
type Reporter struct {
	store  *database.Database
	broker binance.Broker
	state  TradingState

	mu           sync.Mutex
	sender       Sender
	lastSentDate string
}

func NewReporter(store *database.Database, broker binance.Broker, state TradingState) *Reporter {
	return &Reporter{store: store, broker: broker, state: state}
}

// SetSender attaches the delivery channel. Safe to leave unset.
func (r *Reporter) SetSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

// AlreadySentToday reports whether the report for now's UTC day went out.
func (r *Reporter) AlreadySentToday(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSentDate == now.UTC().Format("2006-01-02")
}

// MaybeSend fires the scheduled report when now falls inside the first two
// minutes of a UTC day whose report has not gone out yet. Returns whether a
// report was sent.
func (r *Reporter) MaybeSend(ctx context.Context, now time.Time) (bool, error) {
	utc := now.UTC()
	if utc.Sub(startOfDayUTC(utc)) >= reportWindow {
		return false, nil
	}
	if r.AlreadySentToday(utc) {
		return false, nil
	}
	if _, err := r.Send(ctx, utc); err != nil {
		return false, err
	}
	return true, nil
}

// Send builds the report for now's UTC day, delivers it and marks the date
// sent. A delivery failure leaves the date unmarked so the next attempt
// retries.
func (r *Reporter) Send(ctx context.Context, now time.Time) (*Daily, error) {
	utc := now.UTC()
	daily := r.Build(ctx, utc)

	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()

	if sender != nil {
		if err := sender.SendMarkdown(Format(daily)); err != nil {
			return daily, fmt.Errorf("failed to deliver daily report: %w", err)
		}
	}

	r.mu.Lock()
	r.lastSentDate = daily.Date
	r.mu.Unlock()

	log.Info().
		Str("date", daily.Date).
		Str("daily_pnl", daily.DailyPnl.String()).
		Int("trades_closed", daily.TradesClosed).
		Msg("📊 Daily report sent")
	return daily, nil
}

// Build aggregates now's UTC day. Individual fetch failures degrade to
// zeros rather than aborting the report.
func (r *Reporter) Build(ctx context.Context, now time.Time) *Daily {
	utc := now.UTC()
	dayStart := startOfDayUTC(utc)
	daily := &Daily{Date: utc.Format("2006-01-02")}
	if r.state != nil {
		daily.TradingEnabled = r.state.IsEnabled()
	}

	if account, err := r.broker.GetAccount(ctx); err != nil {
		log.Warn().Err(err).Msg("Daily report: could not fetch balance")
	} else {
		for _, b := range account.Balances {
			if b.Asset == "USDT" {
				daily.Balance = b.Free.Add(b.Locked)
				break
			}
		}
	}

	yesterday := dayStart.AddDate(0, 0, -1).Format("2006-01-02")
	if snap, err := r.store.AccountSnapshotByDate(yesterday); err == nil {
		delta := daily.Balance.Sub(snap.TotalBalance)
		daily.BalanceDelta = &delta
	}

	closed, err := r.store.ClosedPositionsSince(dayStart)
	if err != nil {
		log.Warn().Err(err).Msg("Daily report: could not list closed positions")
	}
	daily.TradesClosed = len(closed)
	for _, p := range closed {
		if p.RealizedPnl.IsPositive() {
			daily.Winners++
		} else {
			daily.Losers++
		}
	}

	if realized, err := r.store.RealizedPnlSince(dayStart); err == nil {
		daily.RealizedPnl = realized
	}

	open, err := r.store.OpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("Daily report: could not list open positions")
	}
	daily.OpenPositions = len(open)
	for _, p := range open {
		daily.UnrealizedPnl = daily.UnrealizedPnl.Add(p.UnrealizedPnl)
	}
	daily.DailyPnl = daily.RealizedPnl.Add(daily.UnrealizedPnl)

	if n, err := r.store.CountErroredProposalsSince(dayStart); err == nil {
		daily.ErrorsToday = n
	}
	if n, err := r.store.CountProposalsByStatus(database.StatusDeadLetter); err == nil {
		daily.DeadLetters = n
	}

	runs, err := r.store.ReconRunsSince(dayStart)
	if err != nil {
		log.Warn().Err(err).Msg("Daily report: could not list reconciliation runs")
	}
	daily.ReconRuns = len(runs)
	for _, run := range runs {
		daily.Divergences += run.DivergencesFound
	}

	if n, err := r.store.CountRiskEventsBySeverity(database.SeverityCritical, dayStart); err == nil {
		daily.CriticalEvents = n
	}

	return daily
}

// Format renders the summary as a Telegram Markdown message.
func Format(d *Daily) string {
	pnlSign := ""
	if !d.DailyPnl.IsNegative() {
		pnlSign = "+"
	}
	realizedSign := ""
	if !d.RealizedPnl.IsNegative() {
		realizedSign = "+"
	}
	unrealizedSign := ""
	if !d.UnrealizedPnl.IsNegative() {
		unrealizedSign = "+"
	}

	deltaNote := ""
	if d.BalanceDelta != nil {
		sign := ""
		if !d.BalanceDelta.IsNegative() {
			sign = "+"
		}
		deltaNote = fmt.Sprintf(" (%s$%s vs yesterday)", sign, d.BalanceDelta.StringFixed(2))
	}

	status := "🔴 TRADING DISABLED"
	if d.TradingEnabled {
		status = "🟢 TRADING ENABLED"
	}

	return fmt.Sprintf(`📊 *DAILY REPORT* - %s
%s

💰 *Balance:* $%s USDT%s
*Daily PnL:* %s$%s
├ Realized: %s$%s
└ Unrealized: %s$%s

*Trades closed today:* %d
Winners: %d | Losers: %d

*Open positions:* %d
*Errors today:* %d
*Dead letters pending:* %d
*Reconciliation:* %d runs, %d divergences
*Critical events:* %d

*Status:* %s`,
		d.Date,
		strings.Repeat("=", 30),
		d.Balance.StringFixed(2), deltaNote,
		pnlSign, d.DailyPnl.StringFixed(4),
		realizedSign, d.RealizedPnl.StringFixed(4),
		unrealizedSign, d.UnrealizedPnl.StringFixed(4),
		d.TradesClosed,
		d.Winners, d.Losers,
		d.OpenPositions,
		d.ErrorsToday,
		d.DeadLetters,
		d.ReconRuns, d.Divergences,
		d.CriticalEvents,
		status,
	)
}

func startOfDayUTC(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
