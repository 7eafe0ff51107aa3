package coinsph

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log, _ := test.NewNullLogger()
	return New(Config{BaseURL: srv.URL, APIKey: "key", APISecret: "secret", Timeout: time.Second}, log)
}

// verifySignature checks the signature covers every parameter sent before it.
func verifySignature(t *testing.T, raw string) url.Values {
	t.Helper()
	idx := strings.LastIndex(raw, "&signature=")
	require.NotEqual(t, -1, idx, "signature missing")
	assert.Equal(t, sign(raw[:idx], "secret"), raw[idx+len("&signature="):])
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return values
}

func TestGetPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openapi/quote/v1/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCPHP", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `{"symbol":"BTCPHP","price":"3500000.50"}`)
	})

	price, err := c.GetPrice(context.Background(), "BTCPHP")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("3500000.50")))
}

func TestGetCandles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openapi/quote/v1/klines", r.URL.Path)
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[
			[1700000000000,"100","110","90","105","12.5",1700003599999,"1300",10,"6","600","0"],
			[1700003600000,"105","115","100","112","8",1700007199999,"900",7,"3","300","0"]
		]`)
	})

	candles, err := c.GetCandles(context.Background(), "BTCPHP", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(105)))
	assert.True(t, candles[1].High.Equal(decimal.NewFromInt(115)))
	assert.True(t, candles[0].QuoteVolume.Equal(decimal.NewFromInt(1300)))
	assert.Equal(t, int64(1700003599999), candles[0].CloseTime.UnixMilli())
}

func TestMalformedPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"not":"an array"}`)
	})

	_, err := c.GetCandles(context.Background(), "BTCPHP", "1h", 10)
	assert.ErrorIs(t, err, common.ErrMalformedResponse)
}

func TestPlaceMarketBuyUsesQuoteQty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/openapi/v3/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-COINS-APIKEY"))
		body, _ := io.ReadAll(r.Body)
		form := verifySignature(t, string(body))
		assert.Equal(t, "MARKET", form.Get("type"))
		assert.Equal(t, "BUY", form.Get("side"))
		assert.Equal(t, "1000", form.Get("quoteOrderQty"))
		assert.Empty(t, form.Get("quantity"))
		_, _ = io.WriteString(w, `{"symbol":"BTCPHP","orderId":"1738","clientOrderId":"c1","side":"BUY","status":"FILLED","executedQty":"0.0004","cummulativeQuoteQty":"1000","transactTime":1700000000000}`)
	})

	res, err := c.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "BTCPHP", Side: common.SideBuy, QuoteQty: decimal.NewFromInt(1000), ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1738", res.ExternalID)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.True(t, res.AvgPrice().Equal(decimal.NewFromInt(2500000)))
}

func TestPlaceMarketSellUsesQuantity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form := verifySignature(t, string(body))
		assert.Equal(t, "0.5", form.Get("quantity"))
		assert.Empty(t, form.Get("quoteOrderQty"))
		_, _ = io.WriteString(w, `{"symbol":"BTCPHP","orderId":99,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0"}`)
	})

	res, err := c.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "BTCPHP", Side: common.SideSell, Quantity: decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "99", res.ExternalID)
	assert.Equal(t, common.StatusNew, res.Status)
}

func TestRejectedOrderIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2010,"msg":"Account has insufficient balance"}`)
	})

	_, err := c.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "BTCPHP", Side: common.SideBuy, QuoteQty: decimal.NewFromInt(1000),
	})
	var apiErr *common.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2010, apiErr.Code)
	assert.Equal(t, "Account has insufficient balance", apiErr.Message)
	assert.True(t, common.IsRejection(err))
}

func TestServerErrorIsNotRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetPrice(context.Background(), "BTCPHP")
	require.Error(t, err)
	assert.False(t, common.IsRejection(err))
}

func TestAccountBalancesSkipsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openapi/v3/account", r.URL.Path)
		verifySignature(t, r.URL.RawQuery)
		_, _ = io.WriteString(w, `{"balances":[{"asset":"PHP","free":"5000","locked":"0"},{"asset":"ETH","free":"0","locked":"0"},{"asset":"BTC","free":"0.01","locked":"0.002"}]}`)
	})

	balances, err := c.GetAccountBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[1].Asset)
	assert.True(t, balances[1].Locked.Equal(decimal.RequireFromString("0.002")))
}

func TestSignedCallsRequireCredentials(t *testing.T) {
	log, _ := test.NewNullLogger()
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, log)
	_, err := c.ListOrders(context.Background(), "BTCPHP", 10)
	assert.ErrorIs(t, err, common.ErrCredentialsRequired)
}

func TestListOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openapi/v3/allOrders", r.URL.Path)
		assert.Equal(t, "BTCPHP", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `[{"symbol":"BTCPHP","orderId":"1","side":"BUY","status":"FILLED","executedQty":"0.1","cummulativeQuoteQty":"350000","time":1700000000000},
			{"symbol":"BTCPHP","orderId":"2","side":"SELL","status":"CANCELED","executedQty":"0","cummulativeQuoteQty":"0","time":1700000100000}]`)
	})

	orders, err := c.ListOrders(context.Background(), "BTCPHP", 50)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, common.StatusCanceled, orders[1].Status)
	assert.Equal(t, common.SideSell, orders[1].Side)
	assert.False(t, orders[0].Time.IsZero())
}
