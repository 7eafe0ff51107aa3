package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradebot-core/internal/execlog"
	"tradebot-core/internal/risk"
	"tradebot-core/internal/state"
	"tradebot-core/internal/strategy"
	"tradebot-core/pkg/db"
)

const (
	defaultOrderLimit       = 100
	defaultPerformanceLimit = 1000
)

// ServiceConfig wires the Service.
type ServiceConfig struct {
	Bots       *Registry
	Strategies *strategy.Registry
	Risk       *risk.Manager
	Settings   *risk.SettingsStore
	Book       *state.Book
	Prices     risk.PriceSource
	ExecLog    *execlog.Log
	Queries    *db.UserQueries
	Log        logrus.FieldLogger
}

// Service is the user-facing surface of the trading core. Every call is
// scoped to one user.
type Service struct {
	bots       *Registry
	strategies *strategy.Registry
	risk       *risk.Manager
	settings   *risk.SettingsStore
	book       *state.Book
	prices     risk.PriceSource
	execLog    *execlog.Log
	queries    *db.UserQueries
	log        logrus.FieldLogger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Service{
		bots:       cfg.Bots,
		strategies: cfg.Strategies,
		risk:       cfg.Risk,
		settings:   cfg.Settings,
		book:       cfg.Book,
		prices:     cfg.Prices,
		execLog:    cfg.ExecLog,
		queries:    cfg.Queries,
		log:        cfg.Log.WithField("component", "service"),
	}
}

// ----------------------------------------
// Queries
// ----------------------------------------

// OpenPositions returns the user's open positions with live P&L.
func (s *Service) OpenPositions(ctx context.Context, userID string) ([]PositionView, error) {
	positions, err := s.book.Positions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{
			ID:         p.ID,
			StrategyID: p.StrategyID,
			Symbol:     p.Symbol,
			EntryPrice: p.EntryPrice,
			Quantity:   p.Quantity,
			EntryTime:  p.EntryTime,
		}
		price, err := s.prices.FetchCurrentPrice(ctx, p.Symbol)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "symbol": p.Symbol}).
				Warn("price unavailable for open position")
		} else {
			pnl := risk.UnrealizedPnL(p, price)
			pct := risk.PnLPercent(p, pnl)
			v.CurrentPrice, v.PnL, v.PnLPercent = &price, &pnl, &pct
		}
		out = append(out, v)
	}
	return out, nil
}

// TodayPnL returns the realized P&L since the start of the trading day.
func (s *Service) TodayPnL(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.risk.TodayPnL(ctx, userID)
}

// LogTail returns the latest n execution log entries, newest first.
func (s *Service) LogTail(ctx context.Context, userID string, n int) ([]LogEntry, error) {
	entries, err := s.execLog.Tail(ctx, userID, n)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEntryFrom(e))
	}
	return out, nil
}

// Strategies lists the user's strategies with their enabled state.
func (s *Service) Strategies(ctx context.Context, userID string) ([]StrategyView, error) {
	list, err := s.strategies.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]StrategyView, 0, len(list))
	for _, st := range list {
		out = append(out, strategyView(st))
	}
	return out, nil
}

// Status reports the bot state and the breaker banner.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	settings, err := s.settings.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &Status{UserID: userID, Mode: settings.Mode()}
	if b := s.bots.Get(userID); b != nil {
		st.Running = b.Running()
		st.LastCycle = b.LastCycle()
	}
	if settings.BreakerTrippedAt != nil {
		st.BreakerTripped = true
		st.BreakerTrippedAt = settings.BreakerTrippedAt
		st.Banner = risk.BreakerMessage
	}
	return st, nil
}

// Performance summarizes closed trades per strategy, ordered by strategy id.
func (s *Service) Performance(ctx context.Context, userID string) ([]Performance, error) {
	closed, err := s.queries.ListClosedPositions(ctx, userID, defaultPerformanceLimit)
	if err != nil {
		return nil, err
	}
	byStrategy := make(map[string]*Performance)
	for _, p := range closed {
		perf, ok := byStrategy[p.StrategyID]
		if !ok {
			perf = &Performance{StrategyID: p.StrategyID, RealizedPnL: decimal.Zero}
			byStrategy[p.StrategyID] = perf
		}
		perf.Trades++
		if p.PnL.Valid {
			perf.RealizedPnL = perf.RealizedPnL.Add(p.PnL.Decimal)
			if p.PnL.Decimal.IsPositive() {
				perf.Wins++
			}
		}
	}
	out := make([]Performance, 0, len(byStrategy))
	for _, perf := range byStrategy {
		perf.WinRate = float64(perf.Wins) / float64(perf.Trades)
		out = append(out, *perf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}

// Orders returns the user's latest orders, newest first.
func (s *Service) Orders(ctx context.Context, userID string, limit int) ([]OrderView, error) {
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	orders, err := s.queries.GetOrdersByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView(o))
	}
	return out, nil
}

// Settings returns the user's effective trading settings.
func (s *Service) Settings(ctx context.Context, userID string) (risk.Settings, error) {
	return s.settings.Load(ctx, userID)
}

// ----------------------------------------
// Commands
// ----------------------------------------

// CreateStrategy validates and stores a new strategy for the user.
func (s *Service) CreateStrategy(ctx context.Context, userID string, st db.Strategy) (*StrategyView, error) {
	st.UserID = userID
	created, err := s.strategies.Create(ctx, st)
	if err != nil {
		return nil, err
	}
	v := strategyView(*created)
	return &v, nil
}

// EnableStrategy enables a strategy and clears the breaker banner.
func (s *Service) EnableStrategy(ctx context.Context, userID, strategyID string) error {
	if err := s.strategies.SetEnabled(ctx, userID, strategyID, true); err != nil {
		return err
	}
	return s.settings.ClearBreaker(ctx, userID)
}

func (s *Service) DisableStrategy(ctx context.Context, userID, strategyID string) error {
	return s.strategies.SetEnabled(ctx, userID, strategyID, false)
}

func (s *Service) DeleteStrategy(ctx context.Context, userID, strategyID string) error {
	return s.strategies.Delete(ctx, userID, strategyID)
}

// UpdateStrategyParams replaces a strategy's variant parameters.
func (s *Service) UpdateStrategyParams(ctx context.Context, userID, strategyID string, params map[string]any) error {
	return s.strategies.UpdateParams(ctx, userID, strategyID, params)
}

// ExecuteNow runs one cycle for the user immediately.
func (s *Service) ExecuteNow(ctx context.Context, userID string) (*CycleReport, error) {
	return s.bots.GetOrCreate(userID).ExecuteNow(ctx)
}

// ClosePosition closes an open position at the current price.
func (s *Service) ClosePosition(ctx context.Context, userID, positionID string) (*risk.ClosedPosition, error) {
	return s.risk.ClosePosition(ctx, userID, positionID)
}

// StartBot starts the user's scheduled cycles.
func (s *Service) StartBot(userID string) *Status {
	b := s.bots.Start(userID)
	return &Status{UserID: userID, Running: b.Running(), LastCycle: b.LastCycle()}
}

// StopBot stops the user's scheduled cycles. It reports whether a bot existed.
func (s *Service) StopBot(userID string) bool {
	return s.bots.Stop(userID)
}

// UpdateSettings validates and stores the user's trading settings.
func (s *Service) UpdateSettings(ctx context.Context, userID string, settings risk.Settings) (risk.Settings, error) {
	if err := s.settings.Save(ctx, userID, settings); err != nil {
		return risk.Settings{}, err
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "paper_mode": settings.PaperMode}).Info("trading settings updated")
	return s.settings.Load(ctx, userID)
}
