package binance

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/pkg/exchanges/common"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL})
}

func TestGetCandles(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `[[1700000000000,"2000","2100","1950","2050","12",1700003599999,"24600",42,"6","12300","0"]]`)
	})

	candles, err := a.GetCandles(context.Background(), "ETHUSDT", "1h", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(2050)))
	assert.True(t, candles[0].QuoteVolume.Equal(decimal.NewFromInt(24600)))
}

func TestPlaceMarketOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		_, _ = io.WriteString(w, `{"symbol":"ETHUSDT","orderId":42,"clientOrderId":"c1","transactTime":1700000000000,"executedQty":"0.5","cummulativeQuoteQty":"1000","status":"FILLED","side":"BUY","type":"MARKET"}`)
	})

	res, err := a.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "ETHUSDT", Side: common.SideBuy, QuoteQty: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ExternalID)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.True(t, res.AvgPrice().Equal(decimal.NewFromInt(2000)))
}

func TestRejectionMapsToAPIError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	})

	_, err := a.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "ETHUSDT", Side: common.SideSell, Quantity: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.True(t, common.IsRejection(err))
}

func TestInvalidSide(t *testing.T) {
	a := New(Config{})
	_, err := a.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{Symbol: "ETHUSDT", Side: "HOLD"})
	assert.Error(t, err)
}
