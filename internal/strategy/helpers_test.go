package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

var testStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// candlesFrom builds hourly candles whose open is the previous close.
func candlesFrom(closes []float64, volumes []float64) []common.Candle {
	out := make([]common.Candle, 0, len(closes))
	prev := closes[0]
	for i, c := range closes {
		open := testStart.Add(time.Duration(i) * time.Hour)
		vol := 10.0
		if volumes != nil {
			vol = volumes[i]
		}
		out = append(out, common.Candle{
			OpenTime:  open,
			CloseTime: open.Add(time.Hour - time.Millisecond),
			Open:      decimal.NewFromFloat(prev),
			High:      decimal.NewFromFloat(math.Max(prev, c) + 1),
			Low:       decimal.NewFromFloat(math.Min(prev, c) - 1),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromFloat(vol),
		})
		prev = c
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type stubVariant struct {
	name     string
	category string
	min      int
	decision Decision
	err      error
	seen     *Input
}

func (s *stubVariant) Name() string          { return s.name }
func (s *stubVariant) Category() string      { return s.category }
func (s *stubVariant) MinCandles(Params) int { return s.min }

func (s *stubVariant) Evaluate(_ context.Context, in Input) (Decision, error) {
	s.seen = &in
	return s.decision, s.err
}

func newTestQueries(t *testing.T) *db.UserQueries {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database.Queries()
}

func newTestRegistry(t *testing.T) *Registry {
	log, _ := test.NewNullLogger()
	return NewRegistry(newTestQueries(t), DefaultVariants(), log)
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
