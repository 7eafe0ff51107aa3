// Package sim is a self-contained provider with a synthetic market and instant fills.
package sim

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/id"
)

// ErrUnavailable is returned while the provider is switched to failing mode.
var ErrUnavailable = errors.New("sim: provider unavailable")

// Config tunes the synthetic market.
type Config struct {
	Seed       int64
	StartPrice float64 // default 100
	Step       float64 // per-bucket noise as a fraction of price, default 0.01
	QuoteAsset string  // default PHP
	Balances   map[string]decimal.Decimal
	Now        func() time.Time
}

// Provider generates deterministic candles from (seed, symbol, bucket) and
// fills every market order at the current price.
type Provider struct {
	cfg Config

	mu        sync.Mutex
	failing   bool
	overrides map[string]decimal.Decimal
	balances  map[string]decimal.Decimal
	orders    map[string][]common.OrderResult
}

var _ common.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Step <= 0 {
		cfg.Step = 0.01
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "PHP"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[asset] = amount
	}
	return &Provider{
		cfg:       cfg,
		overrides: make(map[string]decimal.Decimal),
		balances:  balances,
		orders:    make(map[string][]common.OrderResult),
	}
}

func (p *Provider) Name() string { return "sim" }

// SetFailing makes every call return ErrUnavailable until switched back.
func (p *Provider) SetFailing(failing bool) {
	p.mu.Lock()
	p.failing = failing
	p.mu.Unlock()
}

// SetPrice pins the quote of symbol. A zero price removes the pin.
func (p *Provider) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price.IsZero() {
		delete(p.overrides, symbol)
		return
	}
	p.overrides[symbol] = price
}

func (p *Provider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := p.check(ctx); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	pinned, ok := p.overrides[symbol]
	p.mu.Unlock()
	if ok {
		return pinned, nil
	}
	bucket := p.cfg.Now().Unix() / 60
	return decimal.NewFromFloat(p.priceAt(symbol, bucket)).Round(8), nil
}

func (p *Provider) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	width, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	secs := int64(width / time.Second)
	last := p.cfg.Now().Unix()/secs - 1 // last fully closed bucket

	candles := make([]common.Candle, 0, limit)
	for k := last - int64(limit) + 1; k <= last; k++ {
		open := p.priceAt(symbol, k-1)
		closePrice := p.priceAt(symbol, k)
		spread := math.Abs(p.noise(symbol, k, 1)) * p.cfg.Step * closePrice
		high := math.Max(open, closePrice) + spread
		low := math.Min(open, closePrice) - spread
		volume := 10 + 90*math.Abs(p.noise(symbol, k, 2))
		openTime := time.Unix(k*secs, 0).UTC()
		candles = append(candles, common.Candle{
			OpenTime:    openTime,
			CloseTime:   openTime.Add(width - time.Millisecond),
			Open:        decimal.NewFromFloat(open).Round(8),
			High:        decimal.NewFromFloat(high).Round(8),
			Low:         decimal.NewFromFloat(low).Round(8),
			Close:       decimal.NewFromFloat(closePrice).Round(8),
			Volume:      decimal.NewFromFloat(volume).Round(8),
			QuoteVolume: decimal.NewFromFloat(volume * closePrice).Round(8),
		})
	}
	return candles, nil
}

func (p *Provider) GetAccountBalances(ctx context.Context) ([]common.Balance, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.Balance, 0, len(p.balances))
	for asset, free := range p.balances {
		if free.IsZero() {
			continue
		}
		out = append(out, common.Balance{Asset: asset, Free: free})
	}
	return out, nil
}

// PlaceMarketOrder fills immediately at the current price. Orders exceeding the
// simulated balance are rejected the way a venue would with a 400.
func (p *Provider) PlaceMarketOrder(ctx context.Context, req common.MarketOrderRequest) (*common.OrderResult, error) {
	price, err := p.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	base := common.BaseAsset(req.Symbol)

	var qty, quote decimal.Decimal
	switch req.Side {
	case common.SideBuy:
		quote = req.QuoteQty
		if quote.IsZero() {
			quote = req.Quantity.Mul(price)
		}
		qty = quote.Div(price)
	case common.SideSell:
		qty = req.Quantity
		quote = qty.Mul(price)
	default:
		return nil, fmt.Errorf("sim: unsupported side %q", req.Side)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("sim: order quantity must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.balances) > 0 {
		if req.Side == common.SideBuy && p.balances[p.cfg.QuoteAsset].LessThan(quote) {
			return nil, p.reject("insufficient " + p.cfg.QuoteAsset + " balance")
		}
		if req.Side == common.SideSell && p.balances[base].LessThan(qty) {
			return nil, p.reject("insufficient " + base + " balance")
		}
		if req.Side == common.SideBuy {
			p.balances[p.cfg.QuoteAsset] = p.balances[p.cfg.QuoteAsset].Sub(quote)
			p.balances[base] = p.balances[base].Add(qty)
		} else {
			p.balances[base] = p.balances[base].Sub(qty)
			p.balances[p.cfg.QuoteAsset] = p.balances[p.cfg.QuoteAsset].Add(quote)
		}
	}

	res := common.OrderResult{
		ExternalID:       id.Prefixed("SIM"),
		ClientID:         req.ClientID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Status:           common.StatusFilled,
		ExecutedQty:      qty,
		CummulativeQuote: quote,
		Time:             p.cfg.Now().UTC(),
	}
	p.orders[req.Symbol] = append(p.orders[req.Symbol], res)
	return &res, nil
}

func (p *Provider) ListOrders(ctx context.Context, symbol string, limit int) ([]common.OrderResult, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := p.orders[symbol]
	if limit > 0 && len(orders) > limit {
		orders = orders[len(orders)-limit:]
	}
	return append([]common.OrderResult(nil), orders...), nil
}

func (p *Provider) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return ErrUnavailable
	}
	return nil
}

func (p *Provider) reject(msg string) error {
	return &common.APIError{Provider: "sim", Method: "POST", Path: "/order", StatusCode: 400, Code: -2010, Message: msg}
}

// priceAt is a slow sine wave plus per-bucket noise around the start price.
func (p *Provider) priceAt(symbol string, bucket int64) float64 {
	phase := float64(p.hash(symbol, 0, 0)%1000) / 1000 * 2 * math.Pi
	wave := 0.1 * math.Sin(float64(bucket)/24+phase)
	return p.cfg.StartPrice * (1 + wave + p.cfg.Step*p.noise(symbol, bucket, 0))
}

// noise returns a deterministic value in [-1, 1).
func (p *Provider) noise(symbol string, bucket int64, salt uint64) float64 {
	return float64(p.hash(symbol, bucket, salt)%2_000_000)/1_000_000 - 1
}

func (p *Provider) hash(symbol string, bucket int64, salt uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	_, _ = h.Write([]byte(strconv.FormatInt(p.cfg.Seed, 10)))
	_, _ = h.Write([]byte(strconv.FormatInt(bucket, 10)))
	_, _ = h.Write([]byte(strconv.FormatUint(salt, 10)))
	return h.Sum64()
}

// IntervalDuration parses kline intervals such as 1m, 15m, 1h, 4h, 1d, 1w.
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	unit := map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour, 'w': 7 * 24 * time.Hour}
	d, ok := unit[interval[len(interval)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return time.Duration(n) * d, nil
}
