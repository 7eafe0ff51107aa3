package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradebot-core/internal/market"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/id"
)

// DefaultAutoExecuteThreshold is the confidence a signal must exceed to be
// executed without confirmation.
const DefaultAutoExecuteThreshold = 0.7

// defaultConfidence applies when neither the variant nor the strategy params
// state a confidence.
const defaultConfidence = 0.5

// ErrUnknownVariant is returned when a strategy names a variant that is not registered.
var ErrUnknownVariant = errors.New("unknown strategy variant")

// Signal is an actionable BUY or SELL produced by one evaluation.
type Signal struct {
	ID         string
	UserID     string
	StrategyID string
	Symbol     string
	Direction  string
	Confidence float64
	Price      decimal.Decimal
	Rationale  string
	Indicators map[string]float64
	FromCache  bool
	CreatedAt  time.Time

	threshold float64
}

// AutoExecute reports whether the signal is confident enough to trade.
func (s *Signal) AutoExecute() bool {
	threshold := s.threshold
	if threshold == 0 {
		threshold = DefaultAutoExecuteThreshold
	}
	return s.Confidence > threshold
}

// Record converts the signal into its audit row.
func (s *Signal) Record() db.Signal {
	return db.Signal{
		ID:          s.ID,
		UserID:      s.UserID,
		StrategyID:  s.StrategyID,
		Symbol:      s.Symbol,
		Direction:   s.Direction,
		Confidence:  s.Confidence,
		Price:       s.Price,
		Rationale:   s.Rationale,
		Indicators:  s.Indicators,
		AutoExecute: s.AutoExecute(),
		CreatedAt:   s.CreatedAt,
	}
}

// Evaluator runs a strategy's variant over a candle series.
type Evaluator struct {
	variants  *VariantSet
	threshold float64
	log       logrus.FieldLogger
}

// NewEvaluator builds an evaluator. A threshold <= 0 uses DefaultAutoExecuteThreshold.
func NewEvaluator(variants *VariantSet, threshold float64, log logrus.FieldLogger) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultAutoExecuteThreshold
	}
	return &Evaluator{variants: variants, threshold: threshold, log: log}
}

// Variants exposes the evaluator's variant set.
func (e *Evaluator) Variants() *VariantSet { return e.variants }

// Evaluate returns a Signal, or nil when the variant holds or the series is
// too short for it. An empty series is market.ErrNoDataAvailable.
func (e *Evaluator) Evaluate(ctx context.Context, s db.Strategy, series market.Series) (*Signal, error) {
	if len(series.Candles) == 0 {
		return nil, market.ErrNoDataAvailable
	}
	variant, ok := e.variants.Lookup(s.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, s.Variant)
	}

	params := Params(s.Params)
	log := e.log.WithFields(logrus.Fields{
		"strategy_id": s.ID,
		"variant":     s.Variant,
		"symbol":      series.Symbol,
	})
	if need := variant.MinCandles(params); len(series.Candles) < need {
		log.WithFields(logrus.Fields{"have": len(series.Candles), "need": need}).Debug("insufficient data, no action")
		return nil, nil
	}

	decision, err := variant.Evaluate(ctx, Input{
		Symbol:    series.Symbol,
		Timeframe: series.Timeframe,
		Candles:   series.Candles,
		Params:    params,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", s.Variant, err)
	}
	if decision.Direction != DirectionBuy && decision.Direction != DirectionSell {
		return nil, nil
	}

	confidence := params.Float("confidence", defaultConfidence)
	if decision.Confidence != nil {
		confidence = *decision.Confidence
	}
	if math.IsNaN(confidence) {
		confidence = defaultConfidence
	}
	confidence = math.Max(0, math.Min(1, confidence))

	return &Signal{
		ID:         id.New(),
		UserID:     s.UserID,
		StrategyID: s.ID,
		Symbol:     series.Symbol,
		Direction:  decision.Direction,
		Confidence: confidence,
		Price:      series.Last().Close,
		Rationale:  decision.Rationale,
		Indicators: decision.Indicators,
		FromCache:  series.FromCache,
		CreatedAt:  time.Now(),
		threshold:  e.threshold,
	}, nil
}
