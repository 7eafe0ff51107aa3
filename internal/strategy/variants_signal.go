package strategy

import (
	"context"
	"fmt"
	"math"

	"tradebot-core/pkg/db"
)

// SMACrossoverRSI buys an oversold dip inside an uptrend (close > SMA50 > SMA200,
// RSI below oversold) and sells an overbought rally inside a downtrend.
type SMACrossoverRSI struct{}

func (SMACrossoverRSI) Name() string          { return "sma_crossover_rsi" }
func (SMACrossoverRSI) Category() string      { return db.CategorySignal }
func (SMACrossoverRSI) MinCandles(Params) int { return 200 }

func (SMACrossoverRSI) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	price, sma50, sma200 := v.close(), v.sma(50), v.sma(200)
	rsi := v.rsi(in.Params.Int("rsi_period", 14))
	oversold := in.Params.Float("oversold", 30)
	overbought := in.Params.Float("overbought", 70)
	ind := map[string]float64{"sma50": sma50, "sma200": sma200, "rsi": rsi}

	switch {
	case price > sma50 && sma50 > sma200 && rsi < oversold:
		return Decision{DirectionBuy, Confidence(1 - rsi/oversold), fmt.Sprintf("uptrend with RSI %.1f oversold", rsi), ind}, nil
	case price < sma50 && sma50 < sma200 && rsi > overbought:
		return Decision{DirectionSell, Confidence((rsi - overbought) / (100 - overbought)), fmt.Sprintf("downtrend with RSI %.1f overbought", rsi), ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// SMACrossover fires when price crosses the 50 SMA while the 50 and 200 SMAs agree.
type SMACrossover struct{}

func (SMACrossover) Name() string          { return "sma_crossover" }
func (SMACrossover) Category() string      { return db.CategorySignal }
func (SMACrossover) MinCandles(Params) int { return 200 }

func (SMACrossover) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	price, prev := v.close(), v.prevClose()
	sma50, sma200 := v.sma(50), v.sma(200)
	ind := map[string]float64{"sma50": sma50, "sma200": sma200}

	switch {
	case price > sma50 && sma50 > sma200 && prev <= sma50:
		return Decision{DirectionBuy, Confidence(0.8), "price crossed above 50-SMA with 50 above 200", ind}, nil
	case price < sma50 && sma50 < sma200 && prev >= sma50:
		return Decision{DirectionSell, Confidence(0.8), "price crossed below 50-SMA with 50 below 200", ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// CandleAbove200SMA buys a close above the 200 SMA on rising volume.
type CandleAbove200SMA struct{}

func (CandleAbove200SMA) Name() string          { return "candle_above_200sma" }
func (CandleAbove200SMA) Category() string      { return db.CategorySignal }
func (CandleAbove200SMA) MinCandles(Params) int { return 200 }

func (CandleAbove200SMA) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	sma200 := v.sma(200)
	n := len(v.volumes)
	rising := v.volumes[n-1] > v.volumes[n-2]
	ind := map[string]float64{"sma200": sma200}

	if v.close() > sma200 && rising {
		return Decision{DirectionBuy, Confidence(0.8), "close above 200-SMA with increasing volume", ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// FibMACDReversal sells when price sits within 1% of a Fibonacci retracement
// level while the MACD histogram is negative.
type FibMACDReversal struct{}

func (FibMACDReversal) Name() string          { return "fib_macd_reversal" }
func (FibMACDReversal) Category() string      { return db.CategorySignal }
func (FibMACDReversal) MinCandles(Params) int { return 35 }

func (FibMACDReversal) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	price := v.close()
	tolerance := math.Abs(price * in.Params.Float("fib_tolerance", 0.01))
	nearFib := false
	for _, level := range v.fibLevels() {
		if math.Abs(price-level) < tolerance {
			nearFib = true
			break
		}
	}
	hist := v.macdHistogram()
	ind := map[string]float64{"macd_histogram": hist}

	if nearFib && hist < 0 {
		return Decision{DirectionSell, Confidence(0.75), "rejected at Fibonacci level with bearish MACD", ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// FakeOutDetection sells when the last candle broke the previous high but
// closed near its open.
type FakeOutDetection struct{}

func (FakeOutDetection) Name() string          { return "fake_out_detection" }
func (FakeOutDetection) Category() string      { return db.CategorySignal }
func (FakeOutDetection) MinCandles(Params) int { return 3 }

func (FakeOutDetection) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	i := v.last()
	brokeHigh := v.highs[i] > v.highs[i-1]
	body := math.Abs(v.closes[i] - v.opens[i])
	nearOpen := body < (v.highs[i]-v.lows[i])*0.2

	if brokeHigh && nearOpen {
		return Decision{
			Direction:  DirectionSell,
			Confidence: Confidence(0.7),
			Rationale:  "broke previous high but closed near open",
			Indicators: map[string]float64{"rebuy_level": v.lows[i-1]},
		}, nil
	}
	return Hold(""), nil
}

// UnusualVolume follows the last candle's direction when volume spikes above
// the lookback average.
type UnusualVolume struct{}

func (UnusualVolume) Name() string     { return "unusual_volume" }
func (UnusualVolume) Category() string { return db.CategorySignal }

func (UnusualVolume) MinCandles(p Params) int {
	if n := p.Int("lookback", 20); n > 2 {
		return n
	}
	return 2
}

func (u UnusualVolume) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	avg := v.avgVolume(u.MinCandles(in.Params))
	if avg <= 0 {
		return Hold("no volume"), nil
	}
	spike := v.volumes[v.last()] / avg
	ind := map[string]float64{"volume_spike": round2(spike), "average_volume": avg}
	if spike <= in.Params.Float("spike_threshold", 1.5) {
		return Decision{Direction: DirectionHold, Indicators: ind}, nil
	}

	conf := math.Min(spike/3, 1)
	if v.close() > v.prevClose() {
		return Decision{DirectionBuy, Confidence(conf), fmt.Sprintf("volume %.2fx average on an up candle", spike), ind}, nil
	}
	return Decision{DirectionSell, Confidence(conf), fmt.Sprintf("volume %.2fx average on a down candle", spike), ind}, nil
}

// MACross is the classic fast/slow SMA cross on the last two candles.
type MACross struct{}

func (MACross) Name() string     { return "ma_cross" }
func (MACross) Category() string { return db.CategorySignal }

func (MACross) MinCandles(p Params) int { return p.Int("slow_period", 30) + 1 }

func (MACross) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	fast, slow := in.Params.Int("fast_period", 10), in.Params.Int("slow_period", 30)
	i := v.last()
	fastNow, slowNow := v.smaAt(fast, i), v.smaAt(slow, i)
	fastPrev, slowPrev := v.smaAt(fast, i-1), v.smaAt(slow, i-1)
	ind := map[string]float64{"fast_ma": fastNow, "slow_ma": slowNow}

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return Decision{Direction: DirectionBuy, Rationale: fmt.Sprintf("golden cross: MA%d > MA%d", fast, slow), Indicators: ind}, nil
	case fastPrev >= slowPrev && fastNow < slowNow:
		return Decision{Direction: DirectionSell, Rationale: fmt.Sprintf("death cross: MA%d < MA%d", fast, slow), Indicators: ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// RSI trades the oversold/overbought thresholds.
type RSI struct{}

func (RSI) Name() string            { return "rsi" }
func (RSI) Category() string        { return db.CategorySignal }
func (RSI) MinCandles(p Params) int { return p.Int("period", 14) + 1 }

func (RSI) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	rsi := v.rsi(in.Params.Int("period", 14))
	ind := map[string]float64{"rsi": rsi}

	switch {
	case rsi < in.Params.Float("oversold", 30):
		return Decision{Direction: DirectionBuy, Rationale: fmt.Sprintf("RSI %.1f oversold", rsi), Indicators: ind}, nil
	case rsi > in.Params.Float("overbought", 70):
		return Decision{Direction: DirectionSell, Rationale: fmt.Sprintf("RSI %.1f overbought", rsi), Indicators: ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}

// Bollinger buys at the lower band and sells at the upper band.
type Bollinger struct{}

func (Bollinger) Name() string            { return "bollinger" }
func (Bollinger) Category() string        { return db.CategorySignal }
func (Bollinger) MinCandles(p Params) int { return p.Int("period", 20) }

func (Bollinger) Evaluate(_ context.Context, in Input) (Decision, error) {
	v := newSeriesView(in.Candles)
	upper, lower := v.bollinger(in.Params.Int("period", 20), in.Params.Float("std_dev", 2))
	price := v.close()
	ind := map[string]float64{"upper_band": upper, "lower_band": lower}

	switch {
	case price <= lower:
		return Decision{Direction: DirectionBuy, Rationale: fmt.Sprintf("price %.2f at or below lower band %.2f", price, lower), Indicators: ind}, nil
	case price >= upper:
		return Decision{Direction: DirectionSell, Rationale: fmt.Sprintf("price %.2f at or above upper band %.2f", price, upper), Indicators: ind}, nil
	}
	return Decision{Direction: DirectionHold, Indicators: ind}, nil
}
