package strategy

import (
	"context"
	"fmt"
	"math"

	"tradebot-core/pkg/db"
)

// VolatilityGuard exits when the mean absolute close-to-close change over the
// last five candles exceeds the threshold percent.
type VolatilityGuard struct{}

func (VolatilityGuard) Name() string          { return "volatility_guard" }
func (VolatilityGuard) Category() string      { return db.CategoryRiskManagement }
func (VolatilityGuard) MinCandles(Params) int { return 6 }

func (VolatilityGuard) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	changes := make([]float64, 0, 5)
	for i := v.last() - 4; i <= v.last(); i++ {
		prev := v.closes[i-1]
		if prev == 0 {
			continue
		}
		changes = append(changes, math.Abs((v.closes[i]-prev)/prev)*100)
	}
	volatility := mean(changes)
	threshold := in.Params.Float("volatility_threshold", 5)
	ind := map[string]float64{"volatility_percent": round2(volatility), "atr": v.atr(5)}

	if volatility > threshold {
		return Decision{DirectionSell, Confidence(0.9), fmt.Sprintf("volatility %.2f%% above %.2f%%", volatility, threshold), ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}
