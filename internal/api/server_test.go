package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/internal/app"
	"tradebot-core/internal/events"
	"tradebot-core/pkg/config"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/sim"
)

func testConfig() *config.Config {
	return &config.Config{
		Provider:                 "sim",
		PaperMode:                true,
		AutoExecuteThreshold:     0.7,
		CycleInterval:            time.Minute,
		MaxConcurrentStrategies:  2,
		CandleLimit:              300,
		CacheFallbackLimit:       100,
		ProviderTimeout:          time.Second,
		DefaultMaxDailyLoss:      decimal.NewFromInt(5000),
		DefaultMaxLossPercent:    decimal.NewFromInt(2),
		DefaultTakeProfitPercent: decimal.NewFromInt(5),
		DayBoundary:              time.UTC,
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *app.App) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))

	log, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, testConfig(), log,
		app.WithDatabase(database),
		app.WithProvider(sim.New(sim.Config{Seed: 1, StartPrice: 1000})))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Bots.StopAll(context.Background())
		cancel()
		a.Close()
	})

	cfg.Service = a.Service
	cfg.Bus = a.Bus
	cfg.Metrics = a.Metrics
	cfg.Log = log
	cfg.Variants = a.Variants.Names()
	return NewServer(cfg), a
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthAndRequestID(t *testing.T) {
	s, _ := newTestServer(t, Config{Meta: SystemMeta{Provider: "sim", Version: "test"}})

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sim", body["provider"])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestStrategyLifecycle(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	base := "/api/users/alice"

	rec := do(t, s, http.MethodPost, base+"/strategies", map[string]any{
		"variant": "ma_cross", "position_size": "1000", "max_open_positions": 1, "enabled": true,
		"symbols": []string{"btcphp"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID      string   `json:"id"`
		Symbols []string `json:"symbols"`
		Enabled bool     `json:"enabled"`
	}
	decode(t, rec, &created)
	assert.Equal(t, []string{"BTCPHP"}, created.Symbols)
	assert.True(t, created.Enabled)

	rec = do(t, s, http.MethodPost, base+"/strategies", map[string]any{"variant": "astrology", "position_size": "1", "max_open_positions": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, base+"/strategies", map[string]any{"position_size": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "variant is required")

	rec = do(t, s, http.MethodPost, base+"/strategies/"+created.ID+"/disable", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPut, base+"/strategies/"+created.ID+"/params", map[string]any{"params": map[string]any{"fast_period": 5}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, base+"/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Strategies []struct {
			ID      string         `json:"id"`
			Enabled bool           `json:"enabled"`
			Params  map[string]any `json:"params"`
		} `json:"strategies"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Strategies, 1)
	assert.False(t, list.Strategies[0].Enabled)
	assert.EqualValues(t, 5, list.Strategies[0].Params["fast_period"])

	rec = do(t, s, http.MethodGet, "/api/users/bob/strategies", nil)
	decode(t, rec, &list)
	assert.Empty(t, list.Strategies, "users only see their own strategies")

	rec = do(t, s, http.MethodPost, "/api/users/bob/strategies/"+created.ID+"/enable", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, base+"/strategies/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCycleStatusAndReads(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	base := "/api/users/alice"

	rec := do(t, s, http.MethodPost, base+"/strategies", map[string]any{
		"variant": "rsi", "position_size": "1000", "max_open_positions": 1, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, base+"/cycle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report struct {
		Strategies int `json:"strategies"`
	}
	decode(t, rec, &report)
	assert.Equal(t, 1, report.Strategies)

	rec = do(t, s, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Mode    string `json:"mode"`
		Running bool   `json:"running"`
		Banner  string `json:"banner"`
	}
	decode(t, rec, &status)
	assert.Equal(t, db.ModePaper, status.Mode)
	assert.False(t, status.Running)
	assert.Empty(t, status.Banner)

	for _, path := range []string{"/positions", "/pnl/today", "/logs?limit=5", "/performance", "/orders", "/settings"} {
		rec = do(t, s, http.MethodGet, base+path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec = do(t, s, http.MethodGet, base+"/logs", nil)
	var logs struct {
		Logs []struct {
			EventType string `json:"event_type"`
		} `json:"logs"`
	}
	decode(t, rec, &logs)
	var types []string
	for _, l := range logs.Logs {
		types = append(types, l.EventType)
	}
	assert.Contains(t, types, "CYCLE_COMPLETED")

	rec = do(t, s, http.MethodPost, base+"/positions/nope/close", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsAndBotControl(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	base := "/api/users/alice"

	rec := do(t, s, http.MethodPut, base+"/settings", map[string]any{
		"paper_mode": true, "max_daily_loss": "100", "max_loss_percent": "0", "take_profit_percent": "5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, base+"/settings", map[string]any{
		"paper_mode": true, "max_daily_loss": "100", "max_loss_percent": "3", "take_profit_percent": "4",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved struct {
		MaxLossPercent decimal.Decimal `json:"max_loss_percent"`
	}
	decode(t, rec, &saved)
	assert.True(t, saved.MaxLossPercent.Equal(decimal.NewFromInt(3)))

	rec = do(t, s, http.MethodPost, base+"/bot/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, base+"/bot/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Running bool `json:"running"`
	}
	decode(t, rec, &st)
	assert.True(t, st.Running)

	rec = do(t, s, http.MethodPost, base+"/bot/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		HTTPLatency struct {
			Count int `json:"count"`
		} `json:"http_latency"`
	}
	decode(t, rec, &snap)
	assert.Positive(t, snap.HTTPLatency.Count)

	rec = do(t, s, http.MethodGet, "/api/variants", nil)
	assert.Contains(t, rec.Body.String(), "triple_confirmation")
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Config{RateLimit: 1, RateBurst: 1})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := do(t, s, http.MethodOptions, "/api/users/alice/status", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogStreamFiltersByUser(t *testing.T) {
	s, a := newTestServer(t, Config{})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/users/alice/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the upgrade, so keep publishing until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.Bus.Publish(events.EventExecutionLog, db.ExecutionLog{ID: "b", UserID: "bob", EventType: "ERROR"})
				a.Bus.Publish(events.EventExecutionLog, db.ExecutionLog{ID: "a", UserID: "alice", EventType: "SIGNAL"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "SIGNAL", got.EventType)
}
