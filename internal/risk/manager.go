// Package risk closes positions at their stop-loss or take-profit limits and
// trips the daily-loss circuit breaker.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tradebot-core/internal/events"
	"tradebot-core/internal/execlog"
	"tradebot-core/internal/monitor"
	"tradebot-core/internal/state"
	"tradebot-core/pkg/db"
)

// PriceSource quotes the current price of a symbol.
type PriceSource interface {
	FetchCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StrategyDisabler turns off all of a user's strategies.
type StrategyDisabler interface {
	DisableAll(ctx context.Context, userID string) (int64, error)
}

// Config wires the manager's collaborators.
type Config struct {
	Book       *state.Book
	Queries    *db.UserQueries
	Settings   *SettingsStore
	Prices     PriceSource
	Strategies StrategyDisabler
	ExecLog    *execlog.Log
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Log        logrus.FieldLogger
	Location   *time.Location // day boundary for the daily P&L window
	Now        func() time.Time
}

// Manager evaluates open positions and the daily loss of each user.
type Manager struct {
	book       *state.Book
	queries    *db.UserQueries
	settings   *SettingsStore
	prices     PriceSource
	strategies StrategyDisabler
	execLog    *execlog.Log
	bus        *events.Bus
	metrics    *monitor.SystemMetrics
	log        logrus.FieldLogger
	loc        *time.Location
	now        func() time.Time
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		book:       cfg.Book,
		queries:    cfg.Queries,
		settings:   cfg.Settings,
		prices:     cfg.Prices,
		strategies: cfg.Strategies,
		execLog:    cfg.ExecLog,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		loc:        cfg.Location,
		now:        cfg.Now,
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.metrics == nil {
		m.metrics = monitor.NewSystemMetrics()
	}
	return m
}

// Evaluate runs one risk pass for userID: every open position is checked
// against its limits, then the circuit breaker runs regardless of how the
// position pass went.
func (m *Manager) Evaluate(ctx context.Context, userID string, s Settings) (*Report, error) {
	log := m.log.WithField("user_id", userID)
	positions, err := m.book.Positions(ctx, userID)
	if err != nil {
		return nil, err
	}

	var errs error
	report := &Report{}
	for _, p := range positions {
		report.Checked++
		price, err := m.prices.FetchCurrentPrice(ctx, p.Symbol)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"position_id": p.ID, "symbol": p.Symbol}).
				Warn("price unavailable, position skipped this cycle")
			report.PriceFailures = append(report.PriceFailures, p.ID)
			continue
		}
		status, _ := CheckLimits(p, price, s)
		if status == "" {
			continue
		}
		closed, err := m.closeAt(ctx, p, price, status)
		if errors.Is(err, db.ErrPositionNotOpen) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("position_id", p.ID).Error("close position")
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", p.ID, err))
			continue
		}
		report.Closed = append(report.Closed, *closed)
	}

	errs = multierr.Append(errs, m.circuitBreaker(ctx, userID, s, report))
	return report, errs
}

// ClosePosition closes one open position at the current price with status CLOSED.
func (m *Manager) ClosePosition(ctx context.Context, userID, positionID string) (*ClosedPosition, error) {
	positions, err := m.book.Positions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.ID != positionID {
			continue
		}
		price, err := m.prices.FetchCurrentPrice(ctx, p.Symbol)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", p.Symbol, err)
		}
		return m.closeAt(ctx, p, price, db.PositionClosed)
	}
	if _, err := m.queries.GetPosition(ctx, userID, positionID); err != nil {
		return nil, err
	}
	return nil, db.ErrPositionNotOpen
}

func (m *Manager) closeAt(ctx context.Context, p db.Position, price decimal.Decimal, status string) (*ClosedPosition, error) {
	pnl := UnrealizedPnL(p, price)
	pct := PnLPercent(p, pnl)
	err := m.book.Close(ctx, db.ClosePositionParams{
		UserID:     p.UserID,
		ID:         p.ID,
		Status:     status,
		ExitPrice:  price,
		ExitTime:   m.now(),
		PnL:        pnl,
		PnLPercent: pct,
	})
	if err != nil {
		return nil, err
	}
	closed := &ClosedPosition{
		PositionID: p.ID,
		StrategyID: p.StrategyID,
		Symbol:     p.Symbol,
		Status:     status,
		ExitPrice:  price,
		PnL:        pnl,
		PnLPercent: pct,
	}

	m.log.WithFields(logrus.Fields{
		"user_id":     p.UserID,
		"strategy_id": p.StrategyID,
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"status":      status,
		"pnl":         pnl.StringFixed(2),
	}).Info("position closed")

	m.appendLog(ctx, execlog.Success(p.UserID, p.StrategyID, execlog.EventPositionClosed, p.Symbol, map[string]any{
		"position_id": p.ID,
		"status":      status,
		"exit_price":  price.String(),
		"pnl":         pnl.String(),
		"pnl_percent": pct.StringFixed(4),
	}))
	if m.bus != nil {
		m.bus.Publish(events.EventPositionChange, events.PositionChange{
			UserID: p.UserID, PositionID: p.ID, StrategyID: p.StrategyID, Symbol: p.Symbol, Status: status,
		})
		if status != db.PositionClosed {
			m.bus.Publish(events.EventRiskAlert, events.RiskAlert{
				UserID:   p.UserID,
				Kind:     status,
				Severity: events.SeverityWarning,
				Message:  fmt.Sprintf("%s %s closed at %s (pnl %s)", p.Symbol, status, price, pnl.StringFixed(2)),
				At:       m.now(),
			})
		}
	}
	return closed, nil
}

// StartOfDay is the start of the current day in the configured location.
func (m *Manager) StartOfDay() time.Time {
	now := m.now().In(m.loc)
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, m.loc)
}

// TodayPnL sums realized P&L of positions created today and since closed.
func (m *Manager) TodayPnL(ctx context.Context, userID string) (decimal.Decimal, error) {
	closed, err := m.queries.ClosedPositionsSince(ctx, userID, m.StartOfDay())
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, p := range closed {
		if p.PnL.Valid {
			sum = sum.Add(p.PnL.Decimal)
		}
	}
	return sum, nil
}

func (m *Manager) circuitBreaker(ctx context.Context, userID string, s Settings, report *Report) error {
	pnl, err := m.TodayPnL(ctx, userID)
	if err != nil {
		return fmt.Errorf("daily pnl: %w", err)
	}
	report.DailyPnL = pnl
	if !pnl.LessThan(s.MaxDailyLoss.Neg()) {
		return nil
	}

	n, err := m.strategies.DisableAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("disable strategies: %w", err)
	}
	report.Disabled = n
	alreadyTripped := s.BreakerTrippedAt != nil && !s.BreakerTrippedAt.Before(m.StartOfDay())
	if alreadyTripped && n == 0 {
		return nil
	}
	report.BreakerTripped = true

	now := m.now()
	if err := m.recordTrip(ctx, userID, now); err != nil {
		return err
	}
	m.metrics.IncrementBreakerTrips()

	msg := fmt.Sprintf("daily loss %s exceeds limit %s", pnl.StringFixed(2), s.MaxDailyLoss.StringFixed(2))
	m.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"daily_pnl": pnl.StringFixed(2),
		"limit":     s.MaxDailyLoss.StringFixed(2),
		"disabled":  n,
	}).Warn("circuit breaker tripped, all strategies disabled")

	entry := execlog.Failure(userID, "", execlog.EventCircuitBreaker, "", errors.New(msg))
	entry.Details = map[string]any{"daily_pnl": pnl.String(), "limit": s.MaxDailyLoss.String(), "disabled": n}
	m.appendLog(ctx, entry)

	if m.bus != nil {
		m.bus.Publish(events.EventRiskAlert, events.RiskAlert{
			UserID:   userID,
			Kind:     AlertCircuitBreaker,
			Severity: events.SeverityCritical,
			Message:  BreakerMessage + ": " + msg,
			At:       now,
		})
	}
	return nil
}

func (m *Manager) recordTrip(ctx context.Context, userID string, at time.Time) error {
	err := m.queries.SetBreakerTripped(ctx, userID, &at)
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	// First trip for a user running on defaults: persist them so the flag has a row.
	if err := m.settings.Save(ctx, userID, m.settings.Defaults()); err != nil {
		return err
	}
	return m.queries.SetBreakerTripped(ctx, userID, &at)
}

func (m *Manager) appendLog(ctx context.Context, e execlog.Entry) {
	if m.execLog == nil {
		return
	}
	if err := m.execLog.Append(ctx, e); err != nil {
		m.log.WithError(err).Warn("execution log append failed")
	}
}
