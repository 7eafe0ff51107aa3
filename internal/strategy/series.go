package strategy

import (
	"math"

	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"

	"tradebot-core/pkg/exchanges/common"
)

// Trend classifications from the 20/50/200 SMA stack.
const (
	trendStrongUp   = "STRONG_UP"
	trendStrongDown = "STRONG_DOWN"
	trendNeutral    = "NEUTRAL"
	trendWeak       = "WEAK"
)

// seriesView wraps a techan series built from provider candles together with
// the raw float columns the rule checks read directly.
type seriesView struct {
	ts      *techan.TimeSeries
	closeI  techan.Indicator
	opens   []float64
	highs   []float64
	lows    []float64
	closes  []float64
	volumes []float64
}

func newSeriesView(candles []common.Candle) *seriesView {
	v := &seriesView{ts: techan.NewTimeSeries()}
	for _, c := range candles {
		width := c.CloseTime.Sub(c.OpenTime)
		if width <= 0 {
			width = 1
		}
		candle := techan.NewCandle(techan.NewTimePeriod(c.OpenTime, width))
		candle.OpenPrice = big.NewFromString(c.Open.String())
		candle.ClosePrice = big.NewFromString(c.Close.String())
		candle.MaxPrice = big.NewFromString(c.High.String())
		candle.MinPrice = big.NewFromString(c.Low.String())
		candle.Volume = big.NewFromString(c.Volume.String())
		if !v.ts.AddCandle(candle) {
			continue
		}
		v.opens = append(v.opens, c.Open.InexactFloat64())
		v.highs = append(v.highs, c.High.InexactFloat64())
		v.lows = append(v.lows, c.Low.InexactFloat64())
		v.closes = append(v.closes, c.Close.InexactFloat64())
		v.volumes = append(v.volumes, c.Volume.InexactFloat64())
	}
	v.closeI = techan.NewClosePriceIndicator(v.ts)
	return v
}

func (v *seriesView) len() int  { return len(v.closes) }
func (v *seriesView) last() int { return len(v.closes) - 1 }

func (v *seriesView) close() float64 { return v.closes[v.last()] }

func (v *seriesView) prevClose() float64 { return v.closes[v.last()-1] }

func (v *seriesView) sma(window int) float64 {
	return v.smaAt(window, v.last())
}

func (v *seriesView) smaAt(window, index int) float64 {
	if index+1 < window {
		return 0
	}
	return techan.NewSimpleMovingAverage(v.closeI, window).Calculate(index).Float()
}

func (v *seriesView) rsi(period int) float64 {
	return techan.NewRelativeStrengthIndexIndicator(v.closeI, period).Calculate(v.last()).Float()
}

func (v *seriesView) macdHistogram() float64 {
	macd := techan.NewMACDIndicator(v.closeI, 12, 26)
	return techan.NewMACDHistogramIndicator(macd, 9).Calculate(v.last()).Float()
}

func (v *seriesView) atr(period int) float64 {
	return techan.NewAverageTrueRangeIndicator(v.ts, period).Calculate(v.last()).Float()
}

func (v *seriesView) bollinger(window int, sigma float64) (upper, lower float64) {
	upper = techan.NewBollingerUpperBandIndicator(v.closeI, window, sigma).Calculate(v.last()).Float()
	lower = techan.NewBollingerLowerBandIndicator(v.closeI, window, sigma).Calculate(v.last()).Float()
	return upper, lower
}

// avgVolume averages the last n volumes, including the current one.
func (v *seriesView) avgVolume(n int) float64 {
	return mean(v.volumes[len(v.volumes)-n:])
}

// trend classifies the SMA stack; WEAK when the series is shorter than 200.
func (v *seriesView) trend() string {
	if v.len() < 200 {
		return trendWeak
	}
	sma20, sma50, sma200 := v.sma(20), v.sma(50), v.sma(200)
	switch {
	case sma20 > sma50 && sma50 > sma200:
		return trendStrongUp
	case sma20 < sma50 && sma50 < sma200:
		return trendStrongDown
	default:
		return trendNeutral
	}
}

// supportResistance is the min and max close over the lookback window.
func (v *seriesView) supportResistance(lookback int) (support, resistance float64) {
	window := v.closes[len(v.closes)-lookback:]
	support, resistance = math.Inf(1), math.Inf(-1)
	for _, c := range window {
		support = math.Min(support, c)
		resistance = math.Max(resistance, c)
	}
	return support, resistance
}

// fibLevels are the retracement levels between the series high and low.
func (v *seriesView) fibLevels() []float64 {
	high, low := math.Inf(-1), math.Inf(1)
	for i := range v.highs {
		high = math.Max(high, v.highs[i])
		low = math.Min(low, v.lows[i])
	}
	diff := high - low
	levels := make([]float64, 0, 7)
	for _, ratio := range []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 1} {
		levels = append(levels, high-diff*ratio)
	}
	return levels
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
