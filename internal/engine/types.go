package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"tradebot-core/pkg/db"
)

// PositionView is an open position with its live P&L. PnL fields are nil
// when the current price could not be fetched.
type PositionView struct {
	ID           string           `json:"id"`
	StrategyID   string           `json:"strategy_id"`
	Symbol       string           `json:"symbol"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	Quantity     decimal.Decimal  `json:"quantity"`
	EntryTime    time.Time        `json:"entry_time"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	PnL          *decimal.Decimal `json:"pnl,omitempty"`
	PnLPercent   *decimal.Decimal `json:"pnl_percent,omitempty"`
}

// StrategyView is a configured strategy as shown to the user.
type StrategyView struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Variant          string          `json:"variant"`
	Category         string          `json:"category"`
	Symbols          []string        `json:"symbols"`
	Timeframe        string          `json:"timeframe"`
	PositionSize     decimal.Decimal `json:"position_size"`
	MaxOpenPositions int             `json:"max_open_positions"`
	Enabled          bool            `json:"enabled"`
	Params           map[string]any  `json:"params"`
	CreatedAt        time.Time       `json:"created_at"`
}

func strategyView(s db.Strategy) StrategyView {
	return StrategyView{
		ID:               s.ID,
		Name:             s.Name,
		Variant:          s.Variant,
		Category:         s.Category,
		Symbols:          s.Symbols,
		Timeframe:        s.Timeframe,
		PositionSize:     s.PositionSize,
		MaxOpenPositions: s.MaxOpenPositions,
		Enabled:          s.Enabled,
		Params:           s.Params,
		CreatedAt:        s.CreatedAt,
	}
}

// Status is the bot state shown on the dashboard.
type Status struct {
	UserID           string       `json:"user_id"`
	Running          bool         `json:"running"`
	Mode             string       `json:"mode"`
	LastCycle        *CycleReport `json:"last_cycle,omitempty"`
	BreakerTripped   bool         `json:"breaker_tripped"`
	BreakerTrippedAt *time.Time   `json:"breaker_tripped_at,omitempty"`
	Banner           string       `json:"banner,omitempty"`
}

// Performance is the closed-trade record of one strategy.
type Performance struct {
	StrategyID  string          `json:"strategy_id"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	WinRate     float64         `json:"win_rate"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// OrderView is an order as shown to the user.
type OrderView struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Mode       string          `json:"mode"`
	Status     string          `json:"status"`
	ExternalID string          `json:"external_id,omitempty"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func orderView(o db.Order) OrderView {
	return OrderView{
		ID:         o.ID,
		StrategyID: o.StrategyID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Mode:       o.Mode,
		Status:     o.Status,
		ExternalID: o.ExternalID,
		FillPrice:  o.FillPrice,
		FilledQty:  o.FilledQty,
		Error:      o.Error,
		CreatedAt:  o.CreatedAt,
	}
}

// LogEntry is an execution log entry as shown to the user.
type LogEntry struct {
	ID         string         `json:"id"`
	StrategyID string         `json:"strategy_id,omitempty"`
	EventType  string         `json:"event_type"`
	Symbol     string         `json:"symbol,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// LogEntryFrom converts a stored execution log entry for display.
func LogEntryFrom(e db.ExecutionLog) LogEntry {
	return LogEntry{
		ID:         e.ID,
		StrategyID: e.StrategyID,
		EventType:  e.EventType,
		Symbol:     e.Symbol,
		Success:    e.Success,
		Error:      e.ErrorMessage,
		Details:    e.Details,
		CreatedAt:  e.CreatedAt,
	}
}
