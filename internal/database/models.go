package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proposal lifecycle states
type ProposalStatus string

const (
	StatusDraft      ProposalStatus = "draft"
	StatusValidated  ProposalStatus = "validated"
	StatusApproved   ProposalStatus = "approved"
	StatusRejected   ProposalStatus = "rejected"
	StatusExecuted   ProposalStatus = "executed"
	StatusError      ProposalStatus = "error"
	StatusDeadLetter ProposalStatus = "dead_letter"
	StatusCancelled  ProposalStatus = "cancelled"
)

// Position lifecycle states
type PositionStatus string

const (
	PositionOpen            PositionStatus = "open"
	PositionPartiallyClosed PositionStatus = "partially_closed"
	PositionClosed          PositionStatus = "closed"
)

// Order sides and types
const (
	SideBuy  = "buy"
	SideSell = "sell"

	// Spot positions are always long
	SideLong = "long"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Risk event severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Reconciliation run states
const (
	ReconRunning = "running"
	ReconSuccess = "success"
	ReconError   = "error"
)

// Market regime labels
const (
	RegimeTrendingUp   = "trending_up"
	RegimeTrendingDown = "trending_down"
	RegimeRanging      = "ranging"
	RegimeVolatile     = "volatile"
	RegimeLowLiquidity = "low_liquidity"
)

// TradeProposal is one intended trade moving through the state machine
type TradeProposal struct {
	ID              uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Side            string           `gorm:"size:8" json:"side"` // "buy" or "sell"
	Symbol          string           `gorm:"size:20;index" json:"symbol"`
	Quantity        decimal.Decimal  `gorm:"type:decimal(20,8)" json:"quantity"`
	Price           *decimal.Decimal `gorm:"type:decimal(20,8)" json:"price,omitempty"` // nil for market orders
	OrderType       string           `gorm:"size:10" json:"order_type"`
	Notional        decimal.Decimal  `gorm:"type:decimal(20,8)" json:"notional"`
	Status          ProposalStatus   `gorm:"size:16;index" json:"status"`
	RiskScore       decimal.Decimal  `gorm:"type:decimal(10,2)" json:"risk_score"`
	RiskChecks      string           `gorm:"type:text" json:"risk_checks"` // serialized []CheckResult
	AutoApproved    bool             `json:"auto_approved"`
	RejectionReason string           `gorm:"type:text" json:"rejection_reason,omitempty"`

	BrokerOrderID    *int64           `gorm:"index" json:"broker_order_id,omitempty"`
	ClientOrderID    string           `gorm:"size:40" json:"client_order_id,omitempty"`
	ExecutedPrice    *decimal.Decimal `gorm:"type:decimal(20,8)" json:"executed_price,omitempty"`
	ExecutedQuantity *decimal.Decimal `gorm:"type:decimal(20,8)" json:"executed_quantity,omitempty"`
	Commission       *decimal.Decimal `gorm:"type:decimal(20,8)" json:"commission,omitempty"`
	CommissionAsset  string           `gorm:"size:10" json:"commission_asset,omitempty"`
	RetryCount       int              `json:"retry_count"`
	ErrorMessage     string           `gorm:"type:text" json:"error_message,omitempty"`

	Strategy  string `gorm:"size:40" json:"strategy,omitempty"`
	Reasoning string `gorm:"type:text" json:"reasoning,omitempty"`

	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Position is an open or historical long exposure to a symbol
type Position struct {
	ID               uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol           string           `gorm:"size:20;index" json:"symbol"`
	Side             string           `gorm:"size:8" json:"side"` // "long"
	EntryPrice       decimal.Decimal  `gorm:"type:decimal(20,8)" json:"entry_price"`
	EntryQuantity    decimal.Decimal  `gorm:"type:decimal(20,8)" json:"entry_quantity"`
	EntryNotional    decimal.Decimal  `gorm:"type:decimal(20,8)" json:"entry_notional"`
	CurrentPrice     decimal.Decimal  `gorm:"type:decimal(20,8)" json:"current_price"`
	CurrentQuantity  decimal.Decimal  `gorm:"type:decimal(20,8)" json:"current_quantity"`
	UnrealizedPnl    decimal.Decimal  `gorm:"type:decimal(20,8)" json:"unrealized_pnl"`
	UnrealizedPnlPct decimal.Decimal  `gorm:"type:decimal(10,4)" json:"unrealized_pnl_pct"`
	RealizedPnl      decimal.Decimal  `gorm:"type:decimal(20,8)" json:"realized_pnl"`
	RealizedPnlPct   decimal.Decimal  `gorm:"type:decimal(10,4)" json:"realized_pnl_pct"`
	TotalCommission  decimal.Decimal  `gorm:"type:decimal(20,8)" json:"total_commission"`
	Status           PositionStatus   `gorm:"size:20;index" json:"status"`
	StopLossPrice    *decimal.Decimal `gorm:"type:decimal(20,8)" json:"stop_loss_price,omitempty"`
	TakeProfitPrice  *decimal.Decimal `gorm:"type:decimal(20,8)" json:"take_profit_price,omitempty"`
	ProposalID       *uint            `gorm:"index" json:"proposal_id,omitempty"`
	OpenedAt         time.Time        `gorm:"index" json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Kline is one OHLCV candle, unique on (symbol, interval, open_time)
type Kline struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol        string          `gorm:"size:20;uniqueIndex:idx_kline_key" json:"symbol"`
	Interval      string          `gorm:"size:8;uniqueIndex:idx_kline_key" json:"interval"`
	OpenTime      int64           `gorm:"uniqueIndex:idx_kline_key" json:"open_time"` // epoch millis
	Open          decimal.Decimal `gorm:"type:decimal(20,8)" json:"open"`
	High          decimal.Decimal `gorm:"type:decimal(20,8)" json:"high"`
	Low           decimal.Decimal `gorm:"type:decimal(20,8)" json:"low"`
	Close         decimal.Decimal `gorm:"type:decimal(20,8)" json:"close"`
	Volume        decimal.Decimal `gorm:"type:decimal(20,8)" json:"volume"`
	CloseTime     int64           `json:"close_time"`
	QuoteVolume   decimal.Decimal `gorm:"type:decimal(20,8)" json:"quote_volume"`
	Trades        int64           `json:"trades"`
	TakerBuyBase  decimal.Decimal `gorm:"type:decimal(20,8)" json:"taker_buy_base"`
	TakerBuyQuote decimal.Decimal `gorm:"type:decimal(20,8)" json:"taker_buy_quote"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IndicatorSnapshot caches computed indicators for (symbol, interval, candle_time)
type IndicatorSnapshot struct {
	ID         uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol     string           `gorm:"size:20;uniqueIndex:idx_ind_key" json:"symbol"`
	Interval   string           `gorm:"size:8;uniqueIndex:idx_ind_key" json:"interval"`
	CandleTime int64            `gorm:"uniqueIndex:idx_ind_key" json:"candle_time"`
	RSI        *decimal.Decimal `gorm:"type:decimal(10,4)" json:"rsi,omitempty"`
	MACD       *decimal.Decimal `gorm:"type:decimal(20,8)" json:"macd,omitempty"`
	MACDSignal *decimal.Decimal `gorm:"type:decimal(20,8)" json:"macd_signal,omitempty"`
	MACDHist   *decimal.Decimal `gorm:"type:decimal(20,8)" json:"macd_hist,omitempty"`
	SMA20      *decimal.Decimal `gorm:"column:sma_20;type:decimal(20,8)" json:"sma_20,omitempty"`
	EMA20      *decimal.Decimal `gorm:"column:ema_20;type:decimal(20,8)" json:"ema_20,omitempty"`
	BBUpper    *decimal.Decimal `gorm:"type:decimal(20,8)" json:"bb_upper,omitempty"`
	BBMiddle   *decimal.Decimal `gorm:"type:decimal(20,8)" json:"bb_middle,omitempty"`
	BBLower    *decimal.Decimal `gorm:"type:decimal(20,8)" json:"bb_lower,omitempty"`
	ADX        *decimal.Decimal `gorm:"type:decimal(10,4)" json:"adx,omitempty"`
	ATR        *decimal.Decimal `gorm:"type:decimal(20,8)" json:"atr,omitempty"`
	Close      decimal.Decimal  `gorm:"type:decimal(20,8)" json:"close"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// EntropyReading is the latest entropy measurement per (symbol, interval)
type EntropyReading struct {
	ID           uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol       string          `gorm:"size:20;uniqueIndex:idx_entropy_key" json:"symbol"`
	Interval     string          `gorm:"size:8;uniqueIndex:idx_entropy_key" json:"interval"`
	Entropy      decimal.Decimal `gorm:"type:decimal(10,6)" json:"entropy"`
	EntropyRatio decimal.Decimal `gorm:"type:decimal(10,6)" json:"entropy_ratio"`
	MaxEntropy   decimal.Decimal `gorm:"type:decimal(10,6)" json:"max_entropy"`
	Bins         int             `json:"bins"`
	IsTradable   bool            `json:"is_tradable"`
	SampleSize   int             `json:"sample_size"`
	ComputedAt   time.Time       `json:"computed_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MarketRegime is the latest regime classification per (symbol, interval)
type MarketRegime struct {
	ID         uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol     string           `gorm:"size:20;uniqueIndex:idx_regime_key" json:"symbol"`
	Interval   string           `gorm:"size:8;uniqueIndex:idx_regime_key" json:"interval"`
	Regime     string           `gorm:"size:20" json:"regime"`
	Confidence decimal.Decimal  `gorm:"type:decimal(10,2)" json:"confidence"`
	ADX        *decimal.Decimal `gorm:"type:decimal(10,4)" json:"adx,omitempty"`
	Hurst      *decimal.Decimal `gorm:"type:decimal(10,6)" json:"hurst,omitempty"`
	BBWidth    *decimal.Decimal `gorm:"type:decimal(10,6)" json:"bb_width,omitempty"`
	ATRRatio   *decimal.Decimal `gorm:"type:decimal(10,6)" json:"atr_ratio,omitempty"`
	DetectedAt time.Time        `json:"detected_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SupportResistanceLevel is one clustered price level; the set for a
// (symbol, interval) is replaced wholesale on recompute
type SupportResistanceLevel struct {
	ID         uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol     string          `gorm:"size:20;index:idx_sr_key" json:"symbol"`
	Interval   string          `gorm:"size:8;index:idx_sr_key" json:"interval"`
	Kind       string          `gorm:"size:12" json:"kind"` // "support" or "resistance"
	Price      decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Strength   decimal.Decimal `gorm:"type:decimal(10,4)" json:"strength"`
	Touches    int             `json:"touches"`
	ComputedAt time.Time       `json:"computed_at"`
}

// SizingRecommendation is the latest position-size recommendation per symbol
type SizingRecommendation struct {
	ID              uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol          string          `gorm:"size:20;uniqueIndex" json:"symbol"`
	KellyFraction   decimal.Decimal `gorm:"type:decimal(10,6)" json:"kelly_fraction"`
	KellySize       decimal.Decimal `gorm:"type:decimal(20,8)" json:"kelly_size"`
	ATRSize         decimal.Decimal `gorm:"type:decimal(20,8)" json:"atr_size"`
	RecommendedSize decimal.Decimal `gorm:"type:decimal(20,8)" json:"recommended_size"`
	MaxCap          decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_cap"`
	Method          string          `gorm:"size:20" json:"method"` // kelly_atr, atr_only, fixed_pct
	ComputedAt      time.Time       `json:"computed_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AccountSnapshot is one row per UTC day of account state
type AccountSnapshot struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	SnapshotDate  string          `gorm:"size:10;uniqueIndex" json:"snapshot_date"` // YYYY-MM-DD UTC
	TotalBalance  decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_balance"`
	FreeBalance   decimal.Decimal `gorm:"type:decimal(20,8)" json:"free_balance"`
	InPositions   decimal.Decimal `gorm:"type:decimal(20,8)" json:"in_positions"`
	DailyPnl      decimal.Decimal `gorm:"type:decimal(20,8)" json:"daily_pnl"`
	RealizedToday decimal.Decimal `gorm:"type:decimal(20,8)" json:"realized_today"`
	UnrealizedPnl decimal.Decimal `gorm:"type:decimal(20,8)" json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
	BalancesJSON  string          `gorm:"type:text" json:"balances_json,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RiskEvent is an append-only audit entry
type RiskEvent struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType   string    `gorm:"size:40;index" json:"event_type"`
	Severity    string    `gorm:"size:10;index" json:"severity"`
	Message     string    `gorm:"type:text" json:"message"`
	DetailsJSON string    `gorm:"type:text" json:"details_json,omitempty"`
	ProposalID  *uint     `gorm:"index" json:"proposal_id,omitempty"`
	PositionID  *uint     `gorm:"index" json:"position_id,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// ReconciliationRun is the audit record of one reconciliation pass
type ReconciliationRun struct {
	ID                  uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID               string     `gorm:"size:40;uniqueIndex" json:"run_id"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	OrdersSynced        int        `json:"orders_synced"`
	PositionsSynced     int        `json:"positions_synced"`
	DivergencesFound    int        `json:"divergences_found"`
	DivergencesJSON     string     `gorm:"type:text" json:"divergences_json,omitempty"`
	ActionsTaken        string     `gorm:"type:text" json:"actions_taken,omitempty"`
	BalanceSnapshotJSON string     `gorm:"type:text" json:"balance_snapshot_json,omitempty"`
	Status              string     `gorm:"size:10;index" json:"status"`
	ErrorMessage        string     `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs          int64      `json:"duration_ms"`
	CreatedAt           time.Time  `json:"created_at"`
}

// PerformanceMetric holds one row per metric window (all_time, rolling_30d, rolling_7d)
type PerformanceMetric struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	MetricType    string          `gorm:"size:20;uniqueIndex" json:"metric_type"`
	Sharpe        decimal.Decimal `gorm:"type:decimal(10,4)" json:"sharpe"`
	Sortino       decimal.Decimal `gorm:"type:decimal(10,4)" json:"sortino"`
	MaxDrawdown   decimal.Decimal `gorm:"type:decimal(10,6)" json:"max_drawdown"`
	Calmar        decimal.Decimal `gorm:"type:decimal(10,4)" json:"calmar"`
	WinRate       decimal.Decimal `gorm:"type:decimal(10,4)" json:"win_rate"`
	ProfitFactor  decimal.Decimal `gorm:"type:decimal(10,4)" json:"profit_factor"`
	Expectancy    decimal.Decimal `gorm:"type:decimal(20,8)" json:"expectancy"`
	KellyFraction decimal.Decimal `gorm:"type:decimal(10,6)" json:"kelly_fraction"`
	TradesCount   int             `json:"trades_count"`
	ComputedAt    time.Time       `json:"computed_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BacktestResult is one persisted backtest run
type BacktestResult struct {
	ID              uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Strategy        string          `gorm:"size:40;index" json:"strategy"`
	Symbol          string          `gorm:"size:20;index" json:"symbol"`
	Interval        string          `gorm:"size:8" json:"interval"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	InitialBalance  decimal.Decimal `gorm:"type:decimal(20,8)" json:"initial_balance"`
	FinalBalance    decimal.Decimal `gorm:"type:decimal(20,8)" json:"final_balance"`
	TotalReturnPct  decimal.Decimal `gorm:"type:decimal(10,4)" json:"total_return_pct"`
	Sharpe          decimal.Decimal `gorm:"type:decimal(10,4)" json:"sharpe"`
	MaxDrawdownPct  decimal.Decimal `gorm:"type:decimal(10,4)" json:"max_drawdown_pct"`
	WinRate         decimal.Decimal `gorm:"type:decimal(10,4)" json:"win_rate"`
	ProfitFactor    decimal.Decimal `gorm:"type:decimal(10,4)" json:"profit_factor"`
	TradesCount     int             `json:"trades_count"`
	ParamsJSON      string          `gorm:"type:text" json:"params_json,omitempty"`
	EquityCurveJSON string          `gorm:"type:text" json:"equity_curve_json,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
