// Package binance adapts github.com/adshao/go-binance/v2 to the provider interfaces.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	bncommon "github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"tradebot-core/pkg/exchanges/common"
)

const providerName = "binance"

// Config holds Binance credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string // overrides the venue URL, mainly for tests
	Timeout   time.Duration
	RateLimit float64
}

// Adapter implements common.Provider on top of the go-binance client.
type Adapter struct {
	client  *gobinance.Client
	limiter *common.RateLimiter
}

var _ common.Provider = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	client := gobinance.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		client.BaseURL = "https://testnet.binance.vision"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Adapter{client: client, limiter: common.NewRateLimiter(cfg.RateLimit)}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, wrapErr("GET", "/api/v3/ticker/price", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseDecimal(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("binance: no price for %s: %w", symbol, common.ErrMalformedResponse)
}

func (a *Adapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := a.client.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("GET", "/api/v3/klines", err)
	}
	out := make([]common.Candle, 0, len(klines))
	for _, k := range klines {
		c := common.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		}
		var err error
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close},
			{&c.Volume, k.Volume}, {&c.QuoteVolume, k.QuoteAssetVolume},
		} {
			if *f.dst, err = parseDecimal(f.src); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *Adapter) GetAccountBalances(ctx context.Context) ([]common.Balance, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr("GET", "/api/v3/account", err)
	}
	out := make([]common.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err := parseDecimal(b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := parseDecimal(b.Locked)
		if err != nil {
			return nil, err
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, req common.MarketOrderRequest) (*common.OrderResult, error) {
	svc := a.client.NewCreateOrderService().Symbol(req.Symbol).Type(gobinance.OrderTypeMarket)
	switch req.Side {
	case common.SideBuy:
		if !req.QuoteQty.IsPositive() {
			return nil, errors.New("binance: BUY requires a positive quote quantity")
		}
		svc = svc.Side(gobinance.SideTypeBuy).QuoteOrderQty(req.QuoteQty.String())
	case common.SideSell:
		if !req.Quantity.IsPositive() {
			return nil, errors.New("binance: SELL requires a positive quantity")
		}
		svc = svc.Side(gobinance.SideTypeSell).Quantity(req.Quantity.String())
	default:
		return nil, fmt.Errorf("binance: unsupported side %q", req.Side)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("POST", "/api/v3/order", err)
	}
	executed, err := parseDecimal(resp.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	quote, err := parseDecimal(resp.CummulativeQuoteQuantity)
	if err != nil {
		return nil, err
	}
	return &common.OrderResult{
		ExternalID:       strconv.FormatInt(resp.OrderID, 10),
		ClientID:         resp.ClientOrderID,
		Symbol:           resp.Symbol,
		Side:             common.Side(resp.Side),
		Status:           common.MapStatus(string(resp.Status)),
		ExecutedQty:      executed,
		CummulativeQuote: quote,
		Time:             time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

func (a *Adapter) ListOrders(ctx context.Context, symbol string, limit int) ([]common.OrderResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := a.client.NewListOrdersService().Symbol(symbol)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("GET", "/api/v3/allOrders", err)
	}
	out := make([]common.OrderResult, 0, len(orders))
	for _, o := range orders {
		executed, err := parseDecimal(o.ExecutedQuantity)
		if err != nil {
			return nil, err
		}
		quote, err := parseDecimal(o.CummulativeQuoteQuantity)
		if err != nil {
			return nil, err
		}
		out = append(out, common.OrderResult{
			ExternalID:       strconv.FormatInt(o.OrderID, 10),
			ClientID:         o.ClientOrderID,
			Symbol:           o.Symbol,
			Side:             common.Side(o.Side),
			Status:           common.MapStatus(string(o.Status)),
			ExecutedQty:      executed,
			CummulativeQuote: quote,
			Time:             time.UnixMilli(o.Time).UTC(),
		})
	}
	return out, nil
}

// wrapErr converts go-binance API errors into *common.APIError. Binance codes
// -1000 to -1099 are server or connectivity faults; the rest are request rejections.
func wrapErr(method, path string, err error) error {
	var apiErr *bncommon.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	status := http.StatusBadRequest
	if apiErr.Code <= -1000 && apiErr.Code > -1100 && apiErr.Code != -1013 {
		status = http.StatusServiceUnavailable
	}
	return &common.APIError{
		Provider:   providerName,
		Method:     method,
		Path:       path,
		StatusCode: status,
		Code:       int(apiErr.Code),
		Message:    apiErr.Message,
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: parse %q: %w", s, common.ErrMalformedResponse)
	}
	return d, nil
}
