package common

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRejection(t *testing.T) {
	rejected := fmt.Errorf("place order: %w", &APIError{Provider: "coinsph", StatusCode: 400, Code: -2010, Message: "insufficient balance"})
	assert.True(t, IsRejection(rejected))
	assert.False(t, IsRejection(&APIError{StatusCode: 503}))
	assert.False(t, IsRejection(errors.New("dial tcp: timeout")))
	assert.False(t, IsRejection(ErrMalformedResponse))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, StatusPartial, MapStatus("PARTIALLY_FILLED"))
	assert.Equal(t, StatusUnknown, MapStatus("SOMETHING"))
	assert.True(t, StatusExpired.Final())
	assert.False(t, StatusNew.Final())
}

func TestOrderResultAvgPrice(t *testing.T) {
	r := OrderResult{ExecutedQty: decimal.RequireFromString("0.5"), CummulativeQuote: decimal.NewFromInt(1000)}
	assert.True(t, r.AvgPrice().Equal(decimal.NewFromInt(2000)))
	assert.True(t, OrderResult{}.AvgPrice().IsZero())
}

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", BaseAsset("BTCPHP"))
	assert.Equal(t, "ETH", BaseAsset("ETHUSDT"))
	assert.Equal(t, "XYZ", BaseAsset("XYZ"))
}

func TestTimeSyncOffset(t *testing.T) {
	log, _ := test.NewNullLogger()
	ts := NewTimeSync(func(ctx context.Context) (int64, error) {
		return time.Now().Add(2 * time.Second).UnixMilli(), nil
	}, log)
	require.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, 2000, ts.Offset(), 200)
	assert.InDelta(t, time.Now().UnixMilli()+2000, ts.Now(), 200)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx := context.Background()
	require.NoError(t, rl.Wait(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, rl.Wait(cancelled))

	var nilLimiter *RateLimiter
	assert.NoError(t, nilLimiter.Wait(ctx))
}

func TestSummaryOmitsProviderPayload(t *testing.T) {
	body := "<html><body>nginx 502 upstream 10.0.3.7:8443 SECRET-DEBUG</body></html>"
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"server error", fmt.Errorf("place: %w", &APIError{Provider: "coinsph", StatusCode: 502, Message: body}), "coinsph unavailable (status 502)"},
		{"rejection with code", &APIError{Provider: "coinsph", StatusCode: 400, Code: -2010, Message: "Account has insufficient balance " + body}, "coinsph rejected request (status 400, code -2010)"},
		{"rejection", &APIError{Provider: "binance", StatusCode: 403, Message: body}, "binance rejected request (status 403)"},
		{"timeout", fmt.Errorf("coinsph POST /openapi/v3/order: %w", context.DeadlineExceeded), "provider timeout"},
		{"malformed", fmt.Errorf("decode order response %s: %w", body, ErrMalformedResponse), ErrMalformedResponse.Error()},
		{"unreachable", &url.Error{Op: "Post", URL: "https://api.example/openapi/v3/order?signature=abc", Err: errors.New("connection refused")}, "provider unreachable"},
		{"domain error", errors.New("strategy s1: evaluate: short series"), "strategy s1: evaluate: short series"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Summary(tc.err)
			assert.Equal(t, tc.want, got)
			assert.NotContains(t, got, "SECRET-DEBUG")
		})
	}
	assert.Empty(t, Summary(nil))
}
