package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketData serves quotes and candles.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Trading places orders against the account.
type Trading interface {
	GetAccountBalances(ctx context.Context) ([]Balance, error)
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error)
}

// OrderHistory lists orders known to the venue.
type OrderHistory interface {
	ListOrders(ctx context.Context, symbol string, limit int) ([]OrderResult, error)
}

// Provider abstracts a trading venue.
type Provider interface {
	MarketData
	Trading
	OrderHistory
	Name() string
}
