package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"tradebot-core/pkg/exchanges/common"
)

// Directions a variant can decide.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
	DirectionHold = "HOLD"
)

// Params are the per-strategy variant parameters stored as JSON.
type Params map[string]any

// Float returns the numeric parameter key or def when missing or not numeric.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns the integer parameter key or def.
func (p Params) Int(key string, def int) int {
	f := p.Float(key, float64(def))
	if f <= 0 {
		return def
	}
	return int(f)
}

// String returns the string parameter key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Input is what a variant sees for one (strategy, symbol) evaluation.
type Input struct {
	Symbol    string
	Timeframe string
	Candles   []common.Candle // oldest first
	Params    Params
}

// Decision is a variant's verdict. A nil Confidence means the variant did not
// state one.
type Decision struct {
	Direction  string
	Confidence *float64
	Rationale  string
	Indicators map[string]float64
}

// Hold is the no-action decision.
func Hold(rationale string) Decision {
	return Decision{Direction: DirectionHold, Rationale: rationale}
}

// Confidence wraps v for Decision.Confidence.
func Confidence(v float64) *float64 { return &v }

// Variant is one strategy algorithm.
type Variant interface {
	Name() string
	Category() string
	// MinCandles is the smallest series the variant can evaluate with params.
	MinCandles(params Params) int
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// VariantSet maps variant names to implementations. It is built once at
// startup and read-only afterwards.
type VariantSet struct {
	variants map[string]Variant
}

func NewVariantSet(variants ...Variant) *VariantSet {
	s := &VariantSet{variants: make(map[string]Variant, len(variants))}
	for _, v := range variants {
		s.Register(v)
	}
	return s
}

// Register adds v; registering the same name twice panics.
func (s *VariantSet) Register(v Variant) {
	if _, dup := s.variants[v.Name()]; dup {
		panic(fmt.Sprintf("strategy: variant %q registered twice", v.Name()))
	}
	s.variants[v.Name()] = v
}

// Lookup returns the variant by name.
func (s *VariantSet) Lookup(name string) (Variant, bool) {
	v, ok := s.variants[name]
	return v, ok
}

// Names lists registered variants in sorted order.
func (s *VariantSet) Names() []string {
	names := make([]string, 0, len(s.variants))
	for name := range s.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultVariants returns every built-in variant.
func DefaultVariants() *VariantSet {
	return NewVariantSet(
		// signal
		SMACrossoverRSI{},
		SMACrossover{},
		CandleAbove200SMA{},
		FibMACDReversal{},
		FakeOutDetection{},
		UnusualVolume{},
		MACross{},
		RSI{},
		Bollinger{},
		// execution
		SupportBounce{},
		BreakdownSell{},
		DCAOnDips{},
		TripleConfirmation{},
		// risk management
		VolatilityGuard{},
	)
}
