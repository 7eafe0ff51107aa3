package market

import (
	"context"

	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

// CandleCache persists fetched candles so evaluation can continue when the
// provider is unreachable.
type CandleCache interface {
	Upsert(ctx context.Context, symbol, timeframe string, candles []common.Candle) error
	Latest(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error)
}

// StoreCache is the market_candles backed cache. Entries are never evicted.
type StoreCache struct {
	q *db.UserQueries
}

func NewStoreCache(q *db.UserQueries) *StoreCache {
	return &StoreCache{q: q}
}

// Upsert merges candles by close time; re-submitting stored candles is a no-op.
func (c *StoreCache) Upsert(ctx context.Context, symbol, timeframe string, candles []common.Candle) error {
	rows := make([]db.Candle, len(candles))
	for i, k := range candles {
		rows[i] = db.Candle{
			Symbol:      symbol,
			Timeframe:   timeframe,
			OpenTime:    k.OpenTime,
			CloseTime:   k.CloseTime,
			Open:        k.Open,
			High:        k.High,
			Low:         k.Low,
			Close:       k.Close,
			Volume:      k.Volume,
			QuoteVolume: k.QuoteVolume,
		}
	}
	return c.q.UpsertCandles(ctx, rows)
}

// Latest returns up to limit most recent candles, oldest first.
func (c *StoreCache) Latest(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	rows, err := c.q.LatestCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	out := make([]common.Candle, len(rows))
	for i, r := range rows {
		out[i] = common.Candle{
			OpenTime:    r.OpenTime,
			CloseTime:   r.CloseTime,
			Open:        r.Open,
			High:        r.High,
			Low:         r.Low,
			Close:       r.Close,
			Volume:      r.Volume,
			QuoteVolume: r.QuoteVolume,
		}
	}
	return out, nil
}
