package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"tradebot-core/pkg/db"
)

// Alert kinds published on the event bus.
const (
	AlertCircuitBreaker = "CIRCUIT_BREAKER"
	AlertStopLoss       = db.PositionStopLossHit
	AlertTakeProfit     = db.PositionTakeProfitHit
)

// BreakerMessage is shown to the user while the daily-loss breaker holds
// strategies disabled.
const BreakerMessage = "strategies disabled: daily loss limit"

// Settings are one user's execution and risk limits.
type Settings struct {
	PaperMode         bool            `json:"paper_mode"`
	MaxDailyLoss      decimal.Decimal `json:"max_daily_loss"`      // quote currency, positive
	MaxLossPercent    decimal.Decimal `json:"max_loss_percent"`    // per position
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"` // per position
	BreakerTrippedAt  *time.Time      `json:"breaker_tripped_at,omitempty"`
}

// Mode returns the order mode the settings select.
func (s Settings) Mode() string {
	if s.PaperMode {
		return db.ModePaper
	}
	return db.ModeReal
}

// DefaultSettings applies to users without stored settings.
func DefaultSettings() Settings {
	return Settings{
		PaperMode:         true,
		MaxDailyLoss:      decimal.NewFromInt(5000),
		MaxLossPercent:    decimal.NewFromInt(2),
		TakeProfitPercent: decimal.NewFromInt(5),
	}
}

// ClosedPosition describes a position the manager closed.
type ClosedPosition struct {
	PositionID string          `json:"position_id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

// Report summarizes one Evaluate pass.
type Report struct {
	Checked        int              `json:"checked"`
	Closed         []ClosedPosition `json:"closed"`
	PriceFailures  []string         `json:"price_failures,omitempty"` // position ids skipped this pass
	DailyPnL       decimal.Decimal  `json:"daily_pnl"`
	BreakerTripped bool             `json:"breaker_tripped"`
	Disabled       int64            `json:"disabled"`
}
