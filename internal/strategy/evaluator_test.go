package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/internal/market"
	"tradebot-core/pkg/db"
)

func newStubEvaluator(v *stubVariant) *Evaluator {
	log, _ := test.NewNullLogger()
	return NewEvaluator(NewVariantSet(v), 0, log)
}

func stubStrategy(params map[string]any) db.Strategy {
	return db.Strategy{ID: "s1", UserID: "user1", Variant: "stub", Params: params}
}

func TestEvaluatorNoData(t *testing.T) {
	e := newStubEvaluator(&stubVariant{name: "stub", min: 1})
	_, err := e.Evaluate(context.Background(), stubStrategy(nil), market.Series{Symbol: "BTCPHP"})
	assert.ErrorIs(t, err, market.ErrNoDataAvailable)
}

func TestEvaluatorInsufficientDataIsNoAction(t *testing.T) {
	v := &stubVariant{name: "stub", min: 10, decision: Decision{Direction: DirectionBuy}}
	e := newStubEvaluator(v)

	sig, err := e.Evaluate(context.Background(), stubStrategy(nil), market.Series{
		Symbol: "BTCPHP", Candles: candlesFrom(repeat(100, 9), nil),
	})
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Nil(t, v.seen, "variant is not called")
}

func TestEvaluatorHoldIsNoAction(t *testing.T) {
	e := newStubEvaluator(&stubVariant{name: "stub", min: 1, decision: Hold("flat")})
	sig, err := e.Evaluate(context.Background(), stubStrategy(nil), market.Series{
		Symbol: "BTCPHP", Candles: candlesFrom(repeat(100, 5), nil),
	})
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestEvaluatorConfidence(t *testing.T) {
	series := market.Series{Symbol: "BTCPHP", Timeframe: "1h", Candles: candlesFrom([]float64{100, 101, 102}, nil), FromCache: true}

	tests := []struct {
		name     string
		stated   *float64
		params   map[string]any
		expected float64
		auto     bool
	}{
		{"unstated defaults to one half", nil, nil, 0.5, false},
		{"unstated uses strategy param", nil, map[string]any{"confidence": 0.8}, 0.8, true},
		{"stated wins over param", Confidence(0.6), map[string]any{"confidence": 0.9}, 0.6, false},
		{"clamped above one", Confidence(1.7), nil, 1, true},
		{"clamped below zero", Confidence(-0.2), nil, 0, false},
		{"exactly threshold does not auto execute", Confidence(0.7), nil, 0.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newStubEvaluator(&stubVariant{name: "stub", min: 1, decision: Decision{
				Direction: DirectionSell, Confidence: tt.stated, Rationale: "r",
			}})
			sig, err := e.Evaluate(context.Background(), stubStrategy(tt.params), series)
			require.NoError(t, err)
			require.NotNil(t, sig)
			assert.Equal(t, tt.expected, sig.Confidence)
			assert.Equal(t, tt.auto, sig.AutoExecute())
			assert.Equal(t, DirectionSell, sig.Direction)
			assert.True(t, sig.Price.Equal(dec(102)))
			assert.True(t, sig.FromCache)

			rec := sig.Record()
			assert.Equal(t, "user1", rec.UserID)
			assert.Equal(t, "s1", rec.StrategyID)
			assert.Equal(t, tt.auto, rec.AutoExecute)
			assert.NotEmpty(t, rec.ID)
		})
	}
}

func TestEvaluatorErrors(t *testing.T) {
	boom := errors.New("boom")
	e := newStubEvaluator(&stubVariant{name: "stub", min: 1, err: boom})
	series := market.Series{Symbol: "BTCPHP", Candles: candlesFrom(repeat(100, 3), nil)}

	_, err := e.Evaluate(context.Background(), stubStrategy(nil), series)
	assert.ErrorIs(t, err, boom)

	s := stubStrategy(nil)
	s.Variant = "gone"
	_, err = e.Evaluate(context.Background(), s, series)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}
