// Package coinsph is a REST client for the coins.ph spot API.
package coinsph

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradebot-core/pkg/exchanges/common"
)

const providerName = "coinsph"

// Config holds coins.ph credentials and transport settings.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	RateLimit  float64 // requests per second
	RecvWindow int64   // ms
}

// Client talks to the coins.ph OpenAPI.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *common.RateLimiter
	timeSync   *common.TimeSync
	log        logrus.FieldLogger
}

var _ common.Provider = (*Client)(nil)

// New builds a client. StartTimeSync aligns the signing clock with the server.
func New(cfg Config, log logrus.FieldLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.pro.coins.ph"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    common.NewRateLimiter(cfg.RateLimit),
		log:        log.WithField("provider", providerName),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, c.log)
	return c
}

func (c *Client) Name() string { return providerName }

// StartTimeSync keeps the signing clock aligned with the server until ctx ends.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// GetPrice returns the last traded price of symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/openapi/quote/v1/ticker/price", params)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker price: %w", common.ErrMalformedResponse)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker price %q: %w", resp.Price, common.ErrMalformedResponse)
	}
	return price, nil
}

// GetCandles returns up to limit klines, oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/openapi/quote/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", common.ErrMalformedResponse)
	}
	candles := make([]common.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetAccountBalances returns non-empty asset balances.
func (c *Client) GetAccountBalances(ctx context.Context) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/openapi/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode account: %w", common.ErrMalformedResponse)
	}
	out := make([]common.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Asset, common.ErrMalformedResponse)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// PlaceMarketOrder sends a MARKET order. BUY spends QuoteQty, SELL sells Quantity.
func (c *Client) PlaceMarketOrder(ctx context.Context, req common.MarketOrderRequest) (*common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	switch req.Side {
	case common.SideBuy:
		if !req.QuoteQty.IsPositive() {
			return nil, fmt.Errorf("coinsph: BUY requires a positive quote quantity")
		}
		params.Set("quoteOrderQty", req.QuoteQty.String())
	case common.SideSell:
		if !req.Quantity.IsPositive() {
			return nil, fmt.Errorf("coinsph: SELL requires a positive quantity")
		}
		params.Set("quantity", req.Quantity.String())
	default:
		return nil, fmt.Errorf("coinsph: unsupported side %q", req.Side)
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/openapi/v3/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", common.ErrMalformedResponse)
	}
	result, err := resp.toResult()
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListOrders returns the venue's order history for symbol.
func (c *Client) ListOrders(ctx context.Context, symbol string, limit int) ([]common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/openapi/v3/allOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []orderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode all orders: %w", common.ErrMalformedResponse)
	}
	out := make([]common.OrderResult, 0, len(orders))
	for _, o := range orders {
		r, err := o.toResult()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/openapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", common.ErrMalformedResponse)
	}
	return res.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, path)
}

// doSigned timestamps, signs and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, fmt.Errorf("coinsph: %w", common.ErrCredentialsRequired)
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, c.cfg.APISecret)

	var (
		req *http.Request
		err error
	)
	endpoint := c.cfg.BaseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-COINS-APIKEY", c.cfg.APIKey)
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coinsph %s %s: %w", req.Method, path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("coinsph %s %s: read body: %w", req.Method, path, err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{
			Provider:   providerName,
			Method:     req.Method,
			Path:       path,
			StatusCode: res.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

type orderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             json.Number `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	Side                string      `json:"side"`
	Status              string      `json:"status"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	TransactTime        int64       `json:"transactTime"`
	Time                int64       `json:"time"`
}

func (o orderResponse) toResult() (common.OrderResult, error) {
	executed, err := parseDecimal(o.ExecutedQty)
	if err != nil {
		return common.OrderResult{}, err
	}
	quote, err := parseDecimal(o.CummulativeQuoteQty)
	if err != nil {
		return common.OrderResult{}, err
	}
	ts := o.TransactTime
	if ts == 0 {
		ts = o.Time
	}
	r := common.OrderResult{
		ExternalID:       o.OrderID.String(),
		ClientID:         o.ClientOrderID,
		Symbol:           o.Symbol,
		Side:             common.Side(o.Side),
		Status:           common.MapStatus(o.Status),
		ExecutedQty:      executed,
		CummulativeQuote: quote,
	}
	if ts > 0 {
		r.Time = time.UnixMilli(ts).UTC()
	}
	return r, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...].
func parseKline(row []json.RawMessage) (common.Candle, error) {
	if len(row) < 7 {
		return common.Candle{}, common.ErrMalformedResponse
	}
	var openTime, closeTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return common.Candle{}, common.ErrMalformedResponse
	}
	if err := json.Unmarshal(row[6], &closeTime); err != nil {
		return common.Candle{}, common.ErrMalformedResponse
	}
	var fields [5]decimal.Decimal
	for i := range fields {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return common.Candle{}, common.ErrMalformedResponse
		}
		d, err := parseDecimal(s)
		if err != nil {
			return common.Candle{}, err
		}
		fields[i] = d
	}
	c := common.Candle{
		OpenTime:  time.UnixMilli(openTime).UTC(),
		CloseTime: time.UnixMilli(closeTime).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}
	if len(row) > 7 {
		var s string
		if json.Unmarshal(row[7], &s) == nil {
			c.QuoteVolume, _ = parseDecimal(s)
		}
	}
	return c, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %q: %w", s, common.ErrMalformedResponse)
	}
	return d, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
