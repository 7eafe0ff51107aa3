package strategy

import (
	"context"
	"fmt"
	"math"

	"tradebot-core/pkg/db"
)

// SupportBounce buys an up candle that holds above the recent support.
type SupportBounce struct{}

func (SupportBounce) Name() string            { return "support_bounce" }
func (SupportBounce) Category() string        { return db.CategoryExecution }
func (SupportBounce) MinCandles(p Params) int { return p.Int("lookback", 20) }

func (s SupportBounce) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	support, resistance := v.supportResistance(s.MinCandles(in.Params))
	price := v.close()
	if price <= v.prevClose() || price <= support {
		return Hold(""), nil
	}
	stop := price * (1 - in.Params.Float("stop_loss_percent", 1)/100)
	target := price * (1 + in.Params.Float("take_profit_percent", 2)/100)
	return Decision{
		Direction: DirectionBuy,
		Rationale: fmt.Sprintf("bouncing above support %.2f", support),
		Indicators: map[string]float64{
			"support": support, "resistance": resistance,
			"stop_loss": stop, "take_profit": target,
			"risk_reward": (target - price) / (price - stop),
		},
	}, nil
}

// BreakdownSell sells a close below the prior candles' lows on heavy volume.
type BreakdownSell struct{}

func (BreakdownSell) Name() string            { return "breakdown_sell" }
func (BreakdownSell) Category() string        { return db.CategoryExecution }
func (BreakdownSell) MinCandles(p Params) int { return p.Int("lookback", 10) + 1 }

func (BreakdownSell) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	lookback := in.Params.Int("lookback", 10)
	i := v.last()
	recentLow := math.Inf(1)
	for _, low := range v.lows[i-lookback : i] {
		recentLow = math.Min(recentLow, low)
	}
	avg := v.avgVolume(lookback)
	ind := map[string]float64{"breakdown_level": recentLow}
	if avg > 0 {
		ind["volume_multiplier"] = v.volumes[i] / avg
	}

	if v.close() < recentLow && v.volumes[i] > avg*in.Params.Float("volume_multiplier", 1.5) {
		return Decision{Direction: DirectionSell, Rationale: fmt.Sprintf("broke below %.2f on heavy volume", recentLow), Indicators: ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// DCAOnDips buys when price dips a set percentage below the 20-candle high in
// a strong uptrend.
type DCAOnDips struct{}

func (DCAOnDips) Name() string          { return "dca_on_dips" }
func (DCAOnDips) Category() string      { return db.CategoryExecution }
func (DCAOnDips) MinCandles(Params) int { return 200 }

func (DCAOnDips) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	if v.trend() != trendStrongUp {
		return Hold("no strong uptrend"), nil
	}
	_, highest := v.supportResistance(20)
	price := v.close()
	if price >= highest*(1-in.Params.Float("dip_percent", 2)/100) {
		return Hold(""), nil
	}
	dip := (highest - price) / highest * 100
	return Decision{
		Direction:  DirectionBuy,
		Rationale:  fmt.Sprintf("%.2f%% dip in strong uptrend", dip),
		Indicators: map[string]float64{"dip_percent": dip, "recent_high": highest},
	}, nil
}

// TripleConfirmation buys when at least three of four bullish checks agree.
type TripleConfirmation struct{}

func (TripleConfirmation) Name() string          { return "triple_confirmation" }
func (TripleConfirmation) Category() string      { return db.CategoryExecution }
func (TripleConfirmation) MinCandles(Params) int { return 50 }

func (TripleConfirmation) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	checks := map[string]bool{
		"sma":    v.close() > v.sma(20),
		"rsi":    v.rsi(14) > 50,
		"macd":   v.macdHistogram() > 0,
		"volume": v.volumes[v.last()] > v.avgVolume(10),
	}
	count := 0
	ind := make(map[string]float64, len(checks)+1)
	for name, ok := range checks {
		if ok {
			count++
			ind[name+"_bullish"] = 1
		} else {
			ind[name+"_bullish"] = 0
		}
	}
	ind["confirmations"] = float64(count)

	if count >= 3 {
		return Decision{DirectionBuy, Confidence(float64(count) / 4), fmt.Sprintf("%d of 4 indicators bullish", count), ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}
