package risk

import (
	"github.com/shopspring/decimal"

	"tradebot-core/pkg/db"
)

var hundred = decimal.NewFromInt(100)

// UnrealizedPnL is (price - entry) x qty for a long position.
func UnrealizedPnL(p db.Position, price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Quantity)
}

// PnLPercent is pnl relative to the position's entry cost.
func PnLPercent(p db.Position, pnl decimal.Decimal) decimal.Decimal {
	cost := p.Cost()
	if !cost.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(cost).Mul(hundred)
}

// CheckLimits returns the terminal status the position must move to at price,
// or "" when it stays open. Stop-loss is checked first; the two are mutually
// exclusive since they require opposite P&L signs.
func CheckLimits(p db.Position, price decimal.Decimal, s Settings) (status string, pnl decimal.Decimal) {
	pnl = UnrealizedPnL(p, price)
	cost := p.Cost()

	maxLoss := cost.Mul(s.MaxLossPercent).Div(hundred)
	if pnl.IsNegative() && pnl.Abs().GreaterThan(maxLoss) {
		return db.PositionStopLossHit, pnl
	}
	target := cost.Mul(s.TakeProfitPercent).Div(hundred)
	if pnl.IsPositive() && pnl.GreaterThan(target) {
		return db.PositionTakeProfitHit, pnl
	}
	return "", pnl
}
