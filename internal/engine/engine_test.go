package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/internal/events"
	"tradebot-core/internal/execlog"
	"tradebot-core/internal/market"
	"tradebot-core/internal/monitor"
	"tradebot-core/internal/order"
	"tradebot-core/internal/risk"
	"tradebot-core/internal/state"
	"tradebot-core/internal/strategy"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/exchanges/sim"
)

const user = "user1"

// scripted emits the direction named by its "direction" param.
type scripted struct{}

func (scripted) Name() string                   { return "scripted" }
func (scripted) Category() string               { return db.CategorySignal }
func (scripted) MinCandles(strategy.Params) int { return 1 }

func (scripted) Evaluate(_ context.Context, in strategy.Input) (strategy.Decision, error) {
	return strategy.Decision{Direction: in.Params.String("direction", strategy.DirectionHold), Rationale: "scripted"}, nil
}

type fakeCandles struct {
	mu       sync.Mutex
	closes   map[string]int64
	errs     map[string]error
	cached   map[string]bool
	gate     chan struct{}
	fetching chan struct{}
}

func (f *fakeCandles) FetchCandles(ctx context.Context, symbol, timeframe string, _ int) (market.Series, error) {
	if f.gate != nil {
		f.fetching <- struct{}{}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return market.Series{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return market.Series{}, err
	}
	price := decimal.NewFromInt(f.closes[symbol])
	now := time.Now()
	return market.Series{
		Symbol:    symbol,
		Timeframe: timeframe,
		FromCache: f.cached[symbol],
		Candles: []common.Candle{{
			OpenTime: now.Add(-time.Hour), CloseTime: now,
			Open: price, High: price, Low: price, Close: price, Volume: decimal.NewFromInt(1),
		}},
	}, nil
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakePrices) FetchCurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, errors.New("provider timeout")
	}
	return p, nil
}

func (f *fakePrices) set(symbol string, price int64) {
	f.mu.Lock()
	f.prices[symbol] = decimal.NewFromInt(price)
	f.mu.Unlock()
}

type fixture struct {
	queries    *db.UserQueries
	strategies *strategy.Registry
	settings   *risk.SettingsStore
	candles    *fakeCandles
	prices     *fakePrices
	logs       *execlog.Log
	bus        *events.Bus
	bots       *Registry
	service    *Service
	deps       Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	q := database.Queries()
	log, _ := test.NewNullLogger()
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	book := state.NewBook(q)
	logs := execlog.New(q, bus, log)
	variants := strategy.NewVariantSet(scripted{})
	strategies := strategy.NewRegistry(q, variants, log)
	settings := risk.NewSettingsStore(q, risk.DefaultSettings())
	prices := &fakePrices{prices: map[string]decimal.Decimal{}}
	candles := &fakeCandles{closes: map[string]int64{}, errs: map[string]error{}, cached: map[string]bool{}}

	riskMgr := risk.NewManager(risk.Config{
		Book: book, Queries: q, Settings: settings, Prices: prices, Strategies: strategies,
		ExecLog: logs, Bus: bus, Metrics: metrics, Log: log, Location: time.UTC,
	})
	deps := Deps{
		Market:     candles,
		Evaluator:  strategy.NewEvaluator(variants, strategy.DefaultAutoExecuteThreshold, log),
		Strategies: strategies,
		Executor: order.NewExecutor(order.Config{
			Queries: q, Book: book, Bus: bus, ExecLog: logs, Metrics: metrics, Log: log,
		}),
		Risk:     riskMgr,
		Settings: settings,
		ExecLog:  logs,
		Queries:  q,
		Bus:      bus,
		Metrics:  metrics,
		Log:      log,
		Interval: 20 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bots := NewRegistry(ctx, func(userID string) *Bot { return NewBot(userID, deps) }, metrics)
	t.Cleanup(func() { bots.StopAll(context.Background()) })

	return &fixture{
		queries:    q,
		strategies: strategies,
		settings:   settings,
		candles:    candles,
		prices:     prices,
		logs:       logs,
		bus:        bus,
		bots:       bots,
		deps:       deps,
		service: NewService(ServiceConfig{
			Bots: bots, Strategies: strategies, Risk: riskMgr, Settings: settings,
			Book: book, Prices: prices, ExecLog: logs, Queries: q, Log: log,
		}),
	}
}

func (f *fixture) addStrategy(t *testing.T, symbol, direction string, confidence float64) string {
	t.Helper()
	s, err := f.strategies.Create(context.Background(), db.Strategy{
		UserID:           user,
		Variant:          "scripted",
		Symbols:          []string{symbol},
		Timeframe:        "1h",
		PositionSize:     decimal.NewFromInt(1000),
		MaxOpenPositions: 1,
		Enabled:          true,
		Params:           map[string]any{"direction": direction, "confidence": confidence},
	})
	require.NoError(t, err)
	f.candles.mu.Lock()
	if _, ok := f.candles.closes[symbol]; !ok {
		f.candles.closes[symbol] = 100
	}
	f.candles.mu.Unlock()
	return s.ID
}

func (f *fixture) events(t *testing.T) map[string]int {
	t.Helper()
	entries, err := f.logs.Tail(context.Background(), user, 200)
	require.NoError(t, err)
	out := make(map[string]int)
	for _, e := range entries {
		out[e.EventType]++
	}
	return out
}

func TestRunCycleOpensThenTakesProfit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addStrategy(t, "BTCPHP", strategy.DirectionBuy, 0.9)
	bot := NewBot(user, f.deps)

	report, err := bot.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Strategies)
	assert.Equal(t, 1, report.Signals)
	assert.Equal(t, 1, report.Orders)
	assert.Empty(t, report.Errors)
	require.NotNil(t, report.Risk)
	assert.Len(t, report.Risk.PriceFailures, 1, "no quote yet for the new position")

	open, err := f.queries.ListOpenPositions(ctx, user)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].StrategyID)
	assert.True(t, open[0].Quantity.Equal(decimal.NewFromInt(10)))

	ev := f.events(t)
	assert.Equal(t, 1, ev[execlog.EventSignal])
	assert.Equal(t, 1, ev[execlog.EventOrderPlaced])
	assert.Equal(t, 1, ev[execlog.EventPositionOpened])
	assert.Equal(t, 1, ev[execlog.EventCycleCompleted])

	f.prices.set("BTCPHP", 110)
	report, err = bot.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped, "position already open")
	require.Len(t, report.Risk.Closed, 1)
	assert.Equal(t, db.PositionTakeProfitHit, report.Risk.Closed[0].Status)
	assert.True(t, report.Risk.Closed[0].PnL.Equal(decimal.NewFromInt(100)))

	open, err = f.queries.ListOpenPositions(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Same(t, report, bot.LastCycle())
}

func TestRunCycleBelowThresholdRecordsSignalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStrategy(t, "BTCPHP", strategy.DirectionBuy, 0.5)

	report, err := NewBot(user, f.deps).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Signals)
	assert.Zero(t, report.Orders)

	signals, err := f.queries.ListSignals(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.False(t, signals[0].AutoExecute)

	orders, err := f.queries.GetOrdersByUser(ctx, user, 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStrategyFailureDoesNotAbortCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.addStrategy(t, "BADPHP", strategy.DirectionBuy, 0.9)
	f.addStrategy(t, "ETHPHP", strategy.DirectionBuy, 0.9)
	f.candles.errs["BADPHP"] = errors.New("connection reset")

	report, err := NewBot(user, f.deps).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Strategies)
	assert.Equal(t, 1, report.Orders)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], bad)
	assert.Error(t, report.Err())

	entries, err := f.logs.Tail(ctx, user, 50)
	require.NoError(t, err)
	var failed *execlog.Entry
	for i := range entries {
		if entries[i].EventType == execlog.EventError {
			failed = &entries[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, bad, failed.StrategyID)
	assert.Contains(t, failed.ErrorMessage, "connection reset")
}

func TestRunCycleDataOutcomes(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "BTCPHP", strategy.DirectionHold, 0.9)
	f.addStrategy(t, "ETHPHP", strategy.DirectionHold, 0.9)
	f.candles.errs["BTCPHP"] = market.ErrNoDataAvailable
	f.candles.cached["ETHPHP"] = true

	report, err := NewBot(user, f.deps).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errors, "missing data is not a failure")
	assert.Zero(t, report.Signals)

	ev := f.events(t)
	assert.Equal(t, 1, ev[execlog.EventNoData])
	assert.Equal(t, 1, ev[execlog.EventDataFallback])
	assert.Zero(t, ev[execlog.EventError])
}

func TestRunCycleFallsBackToStoredCandles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStrategy(t, "BTCPHP", strategy.DirectionBuy, 0.9)

	cache := market.NewStoreCache(f.queries)
	end := time.Now().Truncate(time.Hour)
	stored := make([]common.Candle, 50)
	for i := range stored {
		open := end.Add(time.Duration(i-50) * time.Hour)
		price := decimal.NewFromInt(int64(100 + i))
		stored[i] = common.Candle{
			OpenTime: open, CloseTime: open.Add(time.Hour - time.Millisecond),
			Open: price, High: price, Low: price, Close: price, Volume: decimal.NewFromInt(1),
		}
	}
	require.NoError(t, cache.Upsert(ctx, "BTCPHP", "1h", stored))

	provider := sim.New(sim.Config{})
	provider.SetFailing(true)
	log, _ := test.NewNullLogger()
	f.deps.Market = market.NewGateway(market.GatewayConfig{
		Provider: provider, Cache: cache, Bus: f.bus, Metrics: f.deps.Metrics, Log: log, Timeout: time.Second,
	})

	report, err := NewBot(user, f.deps).RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Signals)
	assert.Equal(t, 1, report.Orders)
	assert.Equal(t, uint64(1), f.deps.Metrics.GetSnapshot().DataFallbacks)

	ev := f.events(t)
	assert.Equal(t, 1, ev[execlog.EventDataFallback])
	assert.Zero(t, ev[execlog.EventNoData])
	assert.Zero(t, ev[execlog.EventError])

	signals, err := f.queries.ListSignals(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Price.Equal(decimal.NewFromInt(149)), "signal priced from the last stored close")
}

func TestRunCycleIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "BTCPHP", strategy.DirectionHold, 0.9)
	f.candles.gate = make(chan struct{})
	f.candles.fetching = make(chan struct{}, 1)
	bot := NewBot(user, f.deps)

	done := make(chan error, 1)
	go func() {
		_, err := bot.RunCycle(context.Background())
		done <- err
	}()
	<-f.candles.fetching

	_, err := bot.ExecuteNow(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(f.candles.gate)
	require.NoError(t, <-done)
}

func TestBotStartStop(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "BTCPHP", strategy.DirectionHold, 0.9)

	bot := f.bots.Start(user)
	assert.True(t, bot.Running())
	assert.Same(t, bot, f.bots.GetOrCreate(user))
	require.Eventually(t, func() bool { return bot.LastCycle() != nil }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.bots.Stop(user))
	assert.False(t, bot.Running())
	select {
	case <-bot.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bot loop did not exit")
	}
	assert.False(t, f.bots.Stop("nobody"))
	assert.Equal(t, []string{user}, f.bots.Users())

	f.bots.Remove(user)
	assert.Nil(t, f.bots.Get(user))
}

func TestServiceStatusAndBreakerBanner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addStrategy(t, "BTCPHP", strategy.DirectionHold, 0.9)

	st, err := f.service.Status(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, db.ModePaper, st.Mode)
	assert.Empty(t, st.Banner)

	require.NoError(t, f.settings.Save(ctx, user, risk.DefaultSettings()))
	now := time.Now()
	require.NoError(t, f.queries.SetBreakerTripped(ctx, user, &now))
	require.NoError(t, f.service.DisableStrategy(ctx, user, id))

	st, err = f.service.Status(ctx, user)
	require.NoError(t, err)
	assert.True(t, st.BreakerTripped)
	assert.Equal(t, risk.BreakerMessage, st.Banner)

	require.NoError(t, f.service.EnableStrategy(ctx, user, id))
	st, err = f.service.Status(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.BreakerTripped)
	assert.Empty(t, st.Banner)

	list, err := f.service.Strategies(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Enabled)
}

func TestServiceOpenPositionsAndManualClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStrategy(t, "BTCPHP", strategy.DirectionBuy, 0.9)
	f.addStrategy(t, "ETHPHP", strategy.DirectionBuy, 0.9)

	report, err := f.service.ExecuteNow(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 2, report.Orders)

	f.prices.set("BTCPHP", 102)
	views, err := f.service.OpenPositions(ctx, user)
	require.NoError(t, err)
	require.Len(t, views, 2)
	byStrategy := map[string]PositionView{}
	for _, v := range views {
		byStrategy[v.Symbol] = v
	}
	require.NotNil(t, byStrategy["BTCPHP"].PnL)
	assert.True(t, byStrategy["BTCPHP"].PnL.Equal(decimal.NewFromInt(20)))
	assert.Nil(t, byStrategy["ETHPHP"].PnL, "no quote leaves P&L empty")

	closed, err := f.service.ClosePosition(ctx, user, byStrategy["BTCPHP"].ID)
	require.NoError(t, err)
	assert.Equal(t, db.PositionClosed, closed.Status)

	pnl, err := f.service.TodayPnL(ctx, user)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(20)))

	perf, err := f.service.Performance(ctx, user)
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, 1, perf[0].Trades)
	assert.Equal(t, 1, perf[0].Wins)
	assert.Equal(t, 1.0, perf[0].WinRate)

	orders, err := f.service.Orders(ctx, user, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	tail, err := f.service.LogTail(ctx, user, 5)
	require.NoError(t, err)
	assert.Len(t, tail, 5)
}

func TestServiceSettingsAndStrategyCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateStrategy(ctx, user, db.Strategy{Variant: "nope", PositionSize: decimal.NewFromInt(1), MaxOpenPositions: 1})
	assert.ErrorIs(t, err, strategy.ErrInvalidConfig)

	v, err := f.service.CreateStrategy(ctx, user, db.Strategy{Variant: "scripted", PositionSize: decimal.NewFromInt(500), MaxOpenPositions: 2})
	require.NoError(t, err)
	assert.Equal(t, strategy.DefaultSymbols, v.Symbols)

	require.NoError(t, f.service.UpdateStrategyParams(ctx, user, v.ID, map[string]any{"direction": "SELL"}))
	require.NoError(t, f.service.DeleteStrategy(ctx, user, v.ID))
	assert.ErrorIs(t, f.service.DeleteStrategy(ctx, user, v.ID), db.ErrNotFound)

	s := risk.DefaultSettings()
	s.PaperMode = false
	s.MaxDailyLoss = decimal.NewFromInt(100)
	saved, err := f.service.UpdateSettings(ctx, user, s)
	require.NoError(t, err)
	assert.False(t, saved.PaperMode)
	assert.True(t, saved.MaxDailyLoss.Equal(decimal.NewFromInt(100)))

	s.MaxLossPercent = decimal.Zero
	_, err = f.service.UpdateSettings(ctx, user, s)
	assert.ErrorIs(t, err, risk.ErrInvalidSettings)

	st := f.service.StartBot(user)
	assert.True(t, st.Running)
	assert.True(t, f.service.StopBot(user))
}
