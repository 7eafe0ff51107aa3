package events

import "time"

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order_update"
	EventStrategySignal Event = "strategy_signal"
	EventRiskAlert      Event = "risk_alert"
	EventPositionChange Event = "position_change"
	EventExecutionLog   Event = "execution_log"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// RiskAlert is published when a safety limit is hit.
type RiskAlert struct {
	UserID   string
	Kind     string // e.g. CIRCUIT_BREAKER, STOP_LOSS_HIT
	Severity string
	Message  string
	At       time.Time
}

// PositionChange is published when a position opens or closes.
type PositionChange struct {
	UserID     string
	PositionID string
	StrategyID string
	Symbol     string
	Status     string
}

// PriceTick carries a quote observed by the market gateway.
type PriceTick struct {
	Symbol string
	Price  string
	At     time.Time
}
