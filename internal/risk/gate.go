package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
)

// ═══════════════════════════════════════════════════════════════════
// RISK GATE
// Every trade proposal passes through here before it can be approved.
// Base checks always run; quant checks run only when quant mode is on.
// ═══════════════════════════════════════════════════════════════════

// Request is a proposal candidate under evaluation.
type Request struct {
	ProposalID *uint
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Notional   decimal.Decimal
	Strategy   string
}

// Limits holds the configured gate thresholds.
type Limits struct {
	MinPositionUSD       decimal.Decimal
	MaxPositionUSD       decimal.Decimal
	MaxOpenPositions     int
	MaxPerSymbol         int
	MaxUtilization       decimal.Decimal
	MaxDailyLossUSD      decimal.Decimal
	AutoApproveThreshold decimal.Decimal
	QuantEnabled         bool
	EntropyThreshold     decimal.Decimal
	PrimaryInterval      string
}

// FromConfig builds gate limits from the runtime configuration.
func FromConfig(cfg *config.Config) Limits {
	return Limits{
		MinPositionUSD:       cfg.MinPositionUSD,
		MaxPositionUSD:       cfg.MaxPositionUSD,
		MaxOpenPositions:     cfg.MaxOpenPositions,
		MaxPerSymbol:         cfg.MaxPerSymbol,
		MaxUtilization:       cfg.MaxUtilization,
		MaxDailyLossUSD:      cfg.MaxDailyLossUSD,
		AutoApproveThreshold: cfg.AutoApproveThreshold,
		QuantEnabled:         cfg.QuantEnabled,
		EntropyThreshold:     cfg.EntropyThreshold,
		PrimaryInterval:      cfg.PrimaryInterval,
	}
}

// Gate evaluates proposals against account state and market analytics.
type Gate struct {
	limits Limits
	store  *database.Database
	broker binance.Broker
}

func NewGate(limits Limits, store *database.Database, broker binance.Broker) *Gate {
	log.Info().
		Str("min_position", limits.MinPositionUSD.String()).
		Str("max_position", limits.MaxPositionUSD.String()).
		Int("max_open", limits.MaxOpenPositions).
		Str("max_daily_loss", limits.MaxDailyLossUSD.String()).
		Bool("quant_enabled", limits.QuantEnabled).
		Msg("🛡️ Risk gate initialized")
	return &Gate{limits: limits, store: store, broker: broker}
}

// quantAutoApproveCap caps auto-approval notional when quant mode is on.
var quantAutoApproveCap = decimal.NewFromInt(100)

// sizeValidationMultiple bounds notional against the sizing recommendation.
var sizeValidationMultiple = decimal.NewFromFloat(1.5)

// Evaluate runs every configured check and returns the combined verdict.
// It never returns an error: a broker or store failure downgrades the
// affected check to a skip-pass rather than blocking the proposal.
func (g *Gate) Evaluate(ctx context.Context, req Request) *Verdict {
	checks := make([]CheckResult, 0, 8)

	checks = append(checks, g.checkPositionSize(req))
	checks = append(checks, g.checkOpenPositionCount())
	if req.Side == database.SideBuy {
		checks = append(checks, g.checkSymbolConcentration(req))
	}
	checks = append(checks, g.checkAccountBalance(ctx, req))
	checks = append(checks, g.checkDailyLoss())

	baseFailed := countFailed(checks)

	quantFailed := 0
	if g.limits.QuantEnabled {
		quantChecks := []CheckResult{
			g.checkEntropyGate(req),
			g.checkRegime(req),
			g.checkSizeRecommendation(req),
		}
		quantFailed = countFailed(quantChecks)
		checks = append(checks, quantChecks...)
	}

	verdict := &Verdict{
		Checks:    checks,
		RiskScore: g.riskScore(req.Notional, baseFailed, quantFailed),
	}
	verdict.Approved = baseFailed == 0 && quantFailed == 0

	if verdict.Approved {
		verdict.AutoApproved = req.Notional.LessThan(g.limits.AutoApproveThreshold)
		if g.limits.QuantEnabled && !req.Notional.LessThan(quantAutoApproveCap) {
			verdict.AutoApproved = false
		}
	} else {
		var reasons []string
		for _, c := range verdict.FailedChecks() {
			reasons = append(reasons, c.Message)
		}
		verdict.RejectionReason = strings.Join(reasons, "; ")
		g.recordFailures(req, verdict)
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("notional", req.Notional.StringFixed(2)).
		Bool("approved", verdict.Approved).
		Bool("auto", verdict.AutoApproved).
		Str("risk_score", verdict.RiskScore.StringFixed(1)).
		Msg("🛡️ Risk evaluation complete")

	return verdict
}

// ═══════════════════════════════════════════════════════════════════
// BASE CHECKS
// ═══════════════════════════════════════════════════════════════════

// Check 1: notional must sit inside the configured position band.
func (g *Gate) checkPositionSize(req Request) CheckResult {
	c := CheckResult{
		Name:  "position_size",
		Value: req.Notional.StringFixed(2),
		Limit: fmt.Sprintf("%s-%s", g.limits.MinPositionUSD.String(), g.limits.MaxPositionUSD.String()),
	}
	if req.Notional.LessThan(g.limits.MinPositionUSD) {
		c.Message = fmt.Sprintf("Position size $%s below minimum $%s", req.Notional.StringFixed(2), g.limits.MinPositionUSD.String())
		return c
	}
	if req.Notional.GreaterThan(g.limits.MaxPositionUSD) {
		c.Message = fmt.Sprintf("Position size $%s exceeds maximum $%s", req.Notional.StringFixed(2), g.limits.MaxPositionUSD.String())
		return c
	}
	c.Passed = true
	c.Message = "Position size within limits"
	return c
}

// Check 2: total open positions must stay below the cap.
func (g *Gate) checkOpenPositionCount() CheckResult {
	c := CheckResult{Name: "max_open_positions", Limit: fmt.Sprintf("%d", g.limits.MaxOpenPositions)}
	open, err := g.store.CountOpenPositions()
	if err != nil {
		c.Passed = true
		c.Message = "Open position count unavailable, check skipped"
		return c
	}
	c.Value = fmt.Sprintf("%d", open)
	if int(open) >= g.limits.MaxOpenPositions {
		c.Message = fmt.Sprintf("Already at max open positions (%d/%d)", open, g.limits.MaxOpenPositions)
		return c
	}
	c.Passed = true
	c.Message = "Open position count within limits"
	return c
}

// Check 3: buys must not over-concentrate a single symbol.
func (g *Gate) checkSymbolConcentration(req Request) CheckResult {
	c := CheckResult{Name: "symbol_concentration", Limit: fmt.Sprintf("%d", g.limits.MaxPerSymbol)}
	open, err := g.store.CountOpenPositionsBySymbol(req.Symbol)
	if err != nil {
		c.Passed = true
		c.Message = "Symbol position count unavailable, check skipped"
		return c
	}
	c.Value = fmt.Sprintf("%d", open)
	if int(open) >= g.limits.MaxPerSymbol {
		c.Message = fmt.Sprintf("Already holding %d %s position(s), max %d per symbol", open, req.Symbol, g.limits.MaxPerSymbol)
		return c
	}
	c.Passed = true
	c.Message = "Symbol concentration within limits"
	return c
}

// Check 4: free quote balance must cover the order and projected
// utilization must stay under the cap. A broker outage skips the check
// so a dead API cannot freeze the whole pipeline.
func (g *Gate) checkAccountBalance(ctx context.Context, req Request) CheckResult {
	c := CheckResult{Name: "account_balance", Limit: g.limits.MaxUtilization.String()}

	account, err := g.broker.GetAccount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Balance check skipped, broker unreachable")
		c.Passed = true
		c.Message = "Balance unavailable, check skipped"
		return c
	}

	free := decimal.Zero
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			free = b.Free
			break
		}
	}

	if req.Side == database.SideBuy && free.LessThan(req.Notional) {
		c.Value = free.StringFixed(2)
		c.Message = fmt.Sprintf("Insufficient balance: $%s free, need $%s", free.StringFixed(2), req.Notional.StringFixed(2))
		return c
	}

	inPositions := g.openExposure()
	total := free.Add(inPositions)
	if total.IsPositive() {
		projected := inPositions
		if req.Side == database.SideBuy {
			projected = projected.Add(req.Notional)
		}
		utilization := projected.Div(total)
		c.Value = utilization.StringFixed(4)
		if !utilization.LessThan(g.limits.MaxUtilization) {
			c.Message = fmt.Sprintf("Utilization %s would exceed cap %s", utilization.StringFixed(2), g.limits.MaxUtilization.String())
			return c
		}
	}

	c.Passed = true
	c.Message = "Balance and utilization within limits"
	return c
}

// Check 5: today's realized+unrealized drawdown must not breach the
// daily loss limit. No snapshot yet today counts as zero PnL.
func (g *Gate) checkDailyLoss() CheckResult {
	c := CheckResult{Name: "daily_loss_limit", Limit: g.limits.MaxDailyLossUSD.Neg().String()}

	dailyPnl := decimal.Zero
	today := time.Now().UTC().Format("2006-01-02")
	if snap, err := g.store.AccountSnapshotByDate(today); err == nil && snap != nil {
		dailyPnl = snap.DailyPnl
	}
	c.Value = dailyPnl.StringFixed(2)

	if !dailyPnl.GreaterThan(g.limits.MaxDailyLossUSD.Neg()) {
		c.Message = fmt.Sprintf("Daily loss limit hit: PnL $%s, limit -$%s", dailyPnl.StringFixed(2), g.limits.MaxDailyLossUSD.String())
		return c
	}
	c.Passed = true
	c.Message = "Daily PnL within loss limit"
	return c
}

// openExposure sums current market value across open positions.
func (g *Gate) openExposure() decimal.Decimal {
	positions, err := g.store.OpenPositions()
	if err != nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.CurrentQuantity.Mul(p.CurrentPrice))
	}
	return total
}

// ═══════════════════════════════════════════════════════════════════
// SCORING
// ═══════════════════════════════════════════════════════════════════

var (
	scoreSizeWeight  = decimal.NewFromInt(40)
	scoreBaseWeight  = decimal.NewFromInt(20)
	scoreQuantWeight = decimal.NewFromInt(15)
	scoreMax         = decimal.NewFromInt(100)
)

// riskScore maps notional pressure and failed checks onto a 0-100 scale.
func (g *Gate) riskScore(notional decimal.Decimal, baseFailed, quantFailed int) decimal.Decimal {
	sizeRatio := decimal.NewFromInt(1)
	if g.limits.MaxPositionUSD.IsPositive() {
		sizeRatio = notional.Div(g.limits.MaxPositionUSD)
		if sizeRatio.GreaterThan(decimal.NewFromInt(1)) {
			sizeRatio = decimal.NewFromInt(1)
		}
	}
	score := scoreSizeWeight.Mul(sizeRatio).
		Add(scoreBaseWeight.Mul(decimal.NewFromInt(int64(baseFailed)))).
		Add(scoreQuantWeight.Mul(decimal.NewFromInt(int64(quantFailed))))
	if score.GreaterThan(scoreMax) {
		return scoreMax
	}
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}

func countFailed(checks []CheckResult) int {
	n := 0
	for _, c := range checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

// recordFailures appends one typed risk event per failed check.
func (g *Gate) recordFailures(req Request, verdict *Verdict) {
	for _, c := range verdict.FailedChecks() {
		eventType, severity := eventForCheck(c.Name)
		event := &database.RiskEvent{
			EventType:  eventType,
			Severity:   severity,
			Message:    fmt.Sprintf("%s %s: %s", req.Symbol, req.Side, c.Message),
			ProposalID: req.ProposalID,
		}
		if details, err := detailsJSON(req, c); err == nil {
			event.DetailsJSON = details
		}
		if err := g.store.CreateRiskEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", eventType).Msg("⚠️ Failed to record risk event")
		}
		if severity == database.SeverityCritical {
			log.Error().Str("symbol", req.Symbol).Str("check", c.Name).Msg("🚨 " + c.Message)
		} else {
			log.Warn().Str("symbol", req.Symbol).Str("check", c.Name).Msg("🚫 " + c.Message)
		}
	}
}

func eventForCheck(name string) (string, string) {
	switch name {
	case "entropy_gate":
		return "entropy_gate_blocked", database.SeverityWarning
	case "regime_check":
		return "regime_blocked", database.SeverityWarning
	case "size_validation":
		return "size_limit_exceeded", database.SeverityWarning
	case "daily_loss_limit":
		return "daily_loss_limit", database.SeverityCritical
	default:
		return "risk_check_failed", database.SeverityWarning
	}
}

func detailsJSON(req Request, c CheckResult) (string, error) {
	payload := map[string]string{
		"check":    c.Name,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"notional": req.Notional.String(),
		"value":    c.Value,
		"limit":    c.Limit,
	}
	return marshalMap(payload)
}
