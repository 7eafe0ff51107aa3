// Package app assembles the trading core from configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tradebot-core/internal/engine"
	"tradebot-core/internal/events"
	"tradebot-core/internal/execlog"
	"tradebot-core/internal/market"
	"tradebot-core/internal/monitor"
	"tradebot-core/internal/order"
	"tradebot-core/internal/reconciliation"
	"tradebot-core/internal/risk"
	"tradebot-core/internal/state"
	"tradebot-core/internal/strategy"
	"tradebot-core/pkg/config"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/binance"
	"tradebot-core/pkg/exchanges/coinsph"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/exchanges/sim"
)

// App holds every long-lived component of one process.
type App struct {
	Config     *config.Config
	Log        logrus.FieldLogger
	DB         *db.Database
	Queries    *db.UserQueries
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Provider   common.Provider
	Market     *market.Gateway
	Variants   *strategy.VariantSet
	Strategies *strategy.Registry
	Evaluator  *strategy.Evaluator
	Book       *state.Book
	ExecLog    *execlog.Log
	Executor   *order.Executor
	Settings   *risk.SettingsStore
	Risk       *risk.Manager
	Bots       *engine.Registry
	Service    *engine.Service
	Reconciler *reconciliation.Service
	Monitor    *monitor.Monitor

	remote *strategy.Remote
}

// Option adjusts how New builds the App.
type Option func(*options)

type options struct {
	provider common.Provider
	database *db.Database
}

// WithProvider replaces the configured provider.
func WithProvider(p common.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithDatabase uses an already opened and migrated database.
func WithDatabase(d *db.Database) Option {
	return func(o *options) { o.database = d }
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg *config.Config, log logrus.FieldLogger) (common.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "coinsph":
		return coinsph.New(coinsph.Config{
			BaseURL:   cfg.CoinsPHBaseURL,
			APIKey:    cfg.CoinsPHAPIKey,
			APISecret: cfg.CoinsPHAPISecret,
			Timeout:   cfg.ProviderTimeout,
			RateLimit: cfg.ProviderRateLimit,
		}, log.WithField("component", "coinsph")), nil
	case "binance":
		return binance.New(binance.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
			Timeout:   cfg.ProviderTimeout,
			RateLimit: cfg.ProviderRateLimit,
		}), nil
	case "sim", "":
		return sim.New(sim.Config{Seed: cfg.SimSeed, StartPrice: cfg.SimStartPrice}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// New opens the store and wires the components. The context owns the bots
// started later through the registry.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Log: log, Bus: events.NewBus(), Metrics: monitor.NewSystemMetrics()}

	a.DB = o.database
	if a.DB == nil {
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.ApplyMigrations(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		a.DB = database
	}
	a.Queries = a.DB.Queries()

	a.Provider = o.provider
	if a.Provider == nil {
		p, err := NewProvider(cfg, log)
		if err != nil {
			return nil, err
		}
		a.Provider = p
	}
	if ts, ok := a.Provider.(interface{ StartTimeSync(context.Context) }); ok {
		ts.StartTimeSync(ctx)
	}

	a.Market = market.NewGateway(market.GatewayConfig{
		Provider:      a.Provider,
		Cache:         market.NewStoreCache(a.Queries),
		Bus:           a.Bus,
		Metrics:       a.Metrics,
		Log:           log,
		Timeout:       cfg.ProviderTimeout,
		FallbackLimit: cfg.CacheFallbackLimit,
		QuoteTTL:      cfg.QuoteCacheTTL,
	})

	a.Variants = strategy.DefaultVariants()
	if cfg.RemoteVariantAddr != "" {
		remote, err := strategy.DialRemote(cfg.RemoteVariantAddr)
		if err != nil {
			return nil, fmt.Errorf("dial remote variant: %w", err)
		}
		a.Variants.Register(remote)
		a.remote = remote
		log.WithField("addr", cfg.RemoteVariantAddr).Info("remote variant registered")
	}
	a.Strategies = strategy.NewRegistry(a.Queries, a.Variants, log.WithField("component", "strategy"))
	a.Evaluator = strategy.NewEvaluator(a.Variants, cfg.AutoExecuteThreshold, log.WithField("component", "evaluator"))

	a.Book = state.NewBook(a.Queries)
	a.ExecLog = execlog.New(a.Queries, a.Bus, log.WithField("component", "execlog"))
	a.Executor = order.NewExecutor(order.Config{
		Queries:   a.Queries,
		Book:      a.Book,
		Trading:   a.Provider,
		Bus:       a.Bus,
		ExecLog:   a.ExecLog,
		Metrics:   a.Metrics,
		Log:       log.WithField("component", "order"),
		Threshold: cfg.AutoExecuteThreshold,
		Timeout:   cfg.ProviderTimeout,
	})

	a.Settings = risk.NewSettingsStore(a.Queries, risk.Settings{
		PaperMode:         cfg.PaperMode,
		MaxDailyLoss:      cfg.DefaultMaxDailyLoss,
		MaxLossPercent:    cfg.DefaultMaxLossPercent,
		TakeProfitPercent: cfg.DefaultTakeProfitPercent,
	})
	a.Risk = risk.NewManager(risk.Config{
		Book:       a.Book,
		Queries:    a.Queries,
		Settings:   a.Settings,
		Prices:     a.Market,
		Strategies: a.Strategies,
		ExecLog:    a.ExecLog,
		Bus:        a.Bus,
		Metrics:    a.Metrics,
		Log:        log.WithField("component", "risk"),
		Location:   cfg.DayBoundary,
	})

	deps := engine.Deps{
		Market:        a.Market,
		Evaluator:     a.Evaluator,
		Strategies:    a.Strategies,
		Executor:      a.Executor,
		Risk:          a.Risk,
		Settings:      a.Settings,
		ExecLog:       a.ExecLog,
		Queries:       a.Queries,
		Bus:           a.Bus,
		Metrics:       a.Metrics,
		Log:           log,
		Interval:      cfg.CycleInterval,
		MaxConcurrent: cfg.MaxConcurrentStrategies,
		CandleLimit:   cfg.CandleLimit,
	}
	a.Bots = engine.NewRegistry(ctx, func(userID string) *engine.Bot {
		return engine.NewBot(userID, deps)
	}, a.Metrics)
	a.Service = engine.NewService(engine.ServiceConfig{
		Bots:       a.Bots,
		Strategies: a.Strategies,
		Risk:       a.Risk,
		Settings:   a.Settings,
		Book:       a.Book,
		Prices:     a.Market,
		ExecLog:    a.ExecLog,
		Queries:    a.Queries,
		Log:        log,
	})

	a.Reconciler = reconciliation.NewService(reconciliation.Config{
		Provider: a.Provider,
		Queries:  a.Queries,
		Fills:    a.Executor,
		Modes:    a.Settings,
		ExecLog:  a.ExecLog,
		Log:      log,
		Interval: cfg.ReconcileInterval,
		AutoSync: cfg.ReconcileAutoSync,
		Timeout:  cfg.ProviderTimeout,
	})
	a.Monitor = &monitor.Monitor{
		Bus:  a.Bus,
		Sink: monitor.LogSink{Log: log.WithField("component", "monitor")},
		Log:  log,
	}
	return a, nil
}

// LoadUser warms the position book for a user.
func (a *App) LoadUser(ctx context.Context, userID string) error {
	return a.Book.Load(ctx, userID)
}

// Close releases the remote variant connection and the database.
func (a *App) Close() error {
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.Log.WithError(err).Warn("close remote variant")
		}
	}
	return a.DB.Close()
}
