package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy categories.
const (
	CategorySignal         = "signal"
	CategoryExecution      = "execution"
	CategoryRiskManagement = "risk_management"
)

// Order statuses.
const (
	OrderPending  = "PENDING"
	OrderFilled   = "FILLED"
	OrderRejected = "REJECTED"
	OrderError    = "ERROR"
)

// Execution modes.
const (
	ModePaper = "paper"
	ModeReal  = "real"
)

// Position statuses.
const (
	PositionOpen          = "OPEN"
	PositionClosed        = "CLOSED"
	PositionStopLossHit   = "STOP_LOSS_HIT"
	PositionTakeProfitHit = "TAKE_PROFIT_HIT"
)

// Strategy is a user's configured strategy row.
type Strategy struct {
	ID               string
	UserID           string
	Name             string
	Variant          string
	Category         string
	Symbols          []string
	Timeframe        string
	PositionSize     decimal.Decimal // quote currency
	MaxOpenPositions int
	Enabled          bool
	Params           map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Candle is one cached OHLCV bucket.
type Candle struct {
	Symbol      string
	Timeframe   string
	OpenTime    time.Time
	CloseTime   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
}

// Signal is an audit row for an evaluated signal.
type Signal struct {
	ID          string
	UserID      string
	StrategyID  string
	Symbol      string
	Direction   string
	Confidence  float64
	Price       decimal.Decimal
	Rationale   string
	Indicators  map[string]float64
	AutoExecute bool
	CreatedAt   time.Time
}

// Order represents an order record (paper or real).
type Order struct {
	ID                string
	UserID            string
	StrategyID        string
	Symbol            string
	Side              string
	Mode              string
	RequestedQty      decimal.Decimal
	RequestedNotional decimal.Decimal
	ExternalID        string
	FillPrice         decimal.Decimal
	FilledQty         decimal.Decimal
	Status            string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Position is a long holding opened by a filled BUY.
type Position struct {
	ID         string
	UserID     string
	StrategyID string
	Symbol     string
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	EntryTime  time.Time
	Status     string
	ExitPrice  decimal.NullDecimal
	ExitTime   *time.Time
	PnL        decimal.NullDecimal
	PnLPercent decimal.NullDecimal
	CreatedAt  time.Time
}

// IsOpen reports whether the position has not been closed yet.
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Cost is the entry notional (entry price x quantity).
func (p Position) Cost() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// ExecutionLog is one append-only audit entry. StrategyID is empty for global events.
type ExecutionLog struct {
	ID           string
	UserID       string
	StrategyID   string
	EventType    string
	Symbol       string
	Success      bool
	ErrorMessage string
	Details      map[string]any
	CreatedAt    time.Time
}

// TradingSettings holds per-user execution and risk settings.
type TradingSettings struct {
	UserID            string
	PaperMode         bool
	MaxDailyLoss      decimal.Decimal
	MaxLossPercent    decimal.Decimal
	TakeProfitPercent decimal.Decimal
	BreakerTrippedAt  *time.Time
	UpdatedAt         time.Time
}
