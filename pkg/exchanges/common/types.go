package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Final reports whether the status can no longer change on the venue.
func (s OrderStatus) Final() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// MapStatus converts a venue status string into an OrderStatus.
func MapStatus(s string) OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// Candle is one OHLCV bucket as returned by a provider.
type Candle struct {
	OpenTime    time.Time
	CloseTime   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// MarketOrderRequest captures a market order intent. BUY orders are sized by
// QuoteQty (notional), SELL orders by Quantity (base asset).
type MarketOrderRequest struct {
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	QuoteQty decimal.Decimal
	ClientID string
}

// OrderResult is the exchange ack or a historical order.
type OrderResult struct {
	ExternalID       string
	ClientID         string
	Symbol           string
	Side             Side
	Status           OrderStatus
	ExecutedQty      decimal.Decimal
	CummulativeQuote decimal.Decimal
	Time             time.Time
}

// AvgPrice is the average fill price, or zero when nothing executed.
func (r OrderResult) AvgPrice() decimal.Decimal {
	if r.ExecutedQty.IsZero() {
		return decimal.Zero
	}
	return r.CummulativeQuote.Div(r.ExecutedQty)
}

// BaseAsset strips a known quote currency suffix from a symbol (BTCPHP -> BTC).
func BaseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "PHP", "USD", "BTC", "ETH"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return symbol[:len(symbol)-len(quote)]
		}
	}
	return symbol
}
