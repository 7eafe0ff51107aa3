// Package market fetches candles and quotes from the active provider, with a
// persistent candle cache as fallback.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradebot-core/internal/events"
	"tradebot-core/internal/monitor"
	"tradebot-core/pkg/cache"
	"tradebot-core/pkg/exchanges/common"
)

// ErrNoDataAvailable means neither the provider nor the cache had candles.
var ErrNoDataAvailable = errors.New("no market data available")

var errEmptyResponse = errors.New("provider returned no candles")

const (
	defaultTimeout       = 10 * time.Second
	defaultFallbackLimit = 100
)

// Series is an ordered candle set for one (symbol, timeframe).
type Series struct {
	Symbol    string
	Timeframe string
	Candles   []common.Candle
	FromCache bool
}

// Last returns the most recent candle. Callers check len(Candles) first.
func (s Series) Last() common.Candle {
	return s.Candles[len(s.Candles)-1]
}

// GatewayConfig wires the gateway's collaborators.
type GatewayConfig struct {
	Provider      common.MarketData
	Cache         CandleCache
	Bus           *events.Bus
	Metrics       *monitor.SystemMetrics
	Log           logrus.FieldLogger
	Timeout       time.Duration
	FallbackLimit int
	// QuoteTTL reuses a fetched price for this long. Zero disables reuse.
	QuoteTTL time.Duration
}

// Gateway is the single entry point for market data.
type Gateway struct {
	provider      common.MarketData
	cache         CandleCache
	bus           *events.Bus
	metrics       *monitor.SystemMetrics
	log           logrus.FieldLogger
	timeout       time.Duration
	fallbackLimit int
	quoteTTL      time.Duration
	quotes        *cache.QuoteCache
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = defaultFallbackLimit
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Gateway{
		provider:      cfg.Provider,
		cache:         cfg.Cache,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		log:           cfg.Log.WithField("component", "market"),
		timeout:       cfg.Timeout,
		fallbackLimit: cfg.FallbackLimit,
		quoteTTL:      cfg.QuoteTTL,
		quotes:        cache.NewQuoteCache(),
	}
}

// FetchCandles returns live candles and writes them through to the cache. When
// the provider fails or answers with no candles it serves the cached series
// with FromCache set.
func (g *Gateway) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (Series, error) {
	series := Series{Symbol: symbol, Timeframe: timeframe}

	candles, err := g.fetch(ctx, symbol, timeframe, limit)
	if err == nil && len(candles) == 0 {
		err = errEmptyResponse
	}
	if err == nil {
		if g.cache != nil {
			if cerr := g.cache.Upsert(ctx, symbol, timeframe, candles); cerr != nil {
				g.log.WithError(cerr).WithField("symbol", symbol).Error("cache write failed")
			}
		}
		series.Candles = candles
		return series, nil
	}
	if ctx.Err() != nil {
		return series, ctx.Err()
	}

	g.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "timeframe": timeframe}).
		Warn("provider candles unavailable, using cache")
	if g.cache == nil {
		return series, fmt.Errorf("%w: %v", ErrNoDataAvailable, err)
	}
	cached, cerr := g.cache.Latest(ctx, symbol, timeframe, g.fallbackLimit)
	if cerr != nil {
		return series, fmt.Errorf("read candle cache: %w", cerr)
	}
	if len(cached) == 0 {
		return series, fmt.Errorf("%w: %s %s", ErrNoDataAvailable, symbol, timeframe)
	}
	if g.metrics != nil {
		g.metrics.IncrementFallbacks()
	}
	series.Candles = cached
	series.FromCache = true
	return series, nil
}

// FetchCurrentPrice returns the latest quote for symbol.
func (g *Gateway) FetchCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if g.quoteTTL > 0 {
		if price, ok := g.quotes.Get(symbol, g.quoteTTL); ok {
			return price, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	timer := g.timer()
	price, err := g.provider.GetPrice(ctx, symbol)
	timer.Stop()
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", symbol, err)
	}
	g.quotes.Set(symbol, price)
	if g.bus != nil {
		g.bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: symbol, Price: price.String(), At: time.Now()})
	}
	return price, nil
}

func (g *Gateway) fetch(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	timer := g.timer()
	defer timer.Stop()
	return g.provider.GetCandles(ctx, symbol, timeframe, limit)
}

func (g *Gateway) timer() *monitor.Timer {
	if g.metrics == nil {
		return monitor.NewTimer(nil)
	}
	return monitor.NewTimer(g.metrics.ProviderLatency)
}
