// Package engine runs the per-user trading cycle and exposes it to the host.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tradebot-core/internal/events"
	"tradebot-core/internal/execlog"
	"tradebot-core/internal/market"
	"tradebot-core/internal/monitor"
	"tradebot-core/internal/order"
	"tradebot-core/internal/risk"
	"tradebot-core/internal/strategy"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

// ErrCycleInProgress is returned when a cycle is requested while one is running.
var ErrCycleInProgress = errors.New("cycle already in progress")

const (
	defaultInterval      = 5 * time.Minute
	defaultMaxConcurrent = 4
	defaultCandleLimit   = 500
)

// CandleSource provides the candle series a strategy evaluates.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (market.Series, error)
}

// Deps are the shared components every bot uses.
type Deps struct {
	Market        CandleSource
	Evaluator     *strategy.Evaluator
	Strategies    *strategy.Registry
	Executor      *order.Executor
	Risk          *risk.Manager
	Settings      *risk.SettingsStore
	ExecLog       *execlog.Log
	Queries       *db.UserQueries
	Bus           *events.Bus
	Metrics       *monitor.SystemMetrics
	Log           logrus.FieldLogger
	Interval      time.Duration
	MaxConcurrent int
	CandleLimit   int
}

func (d *Deps) withDefaults() {
	if d.Interval <= 0 {
		d.Interval = defaultInterval
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = defaultMaxConcurrent
	}
	if d.CandleLimit <= 0 {
		d.CandleLimit = defaultCandleLimit
	}
	if d.Metrics == nil {
		d.Metrics = monitor.NewSystemMetrics()
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	UserID     string        `json:"user_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Strategies int           `json:"strategies"`
	Signals    int           `json:"signals"`
	Orders     int           `json:"orders"`
	Skipped    int           `json:"skipped"`
	Errors     []string      `json:"errors,omitempty"`
	Risk       *risk.Report  `json:"risk,omitempty"`

	mu  sync.Mutex
	err error
}

// Err returns the per-strategy and risk failures of the cycle combined.
func (r *CycleReport) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *CycleReport) addErr(err error) {
	r.mu.Lock()
	r.err = multierr.Append(r.err, err)
	r.mu.Unlock()
}

func (r *CycleReport) count(field *int) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// Bot runs trading cycles for one user.
type Bot struct {
	userID string
	deps   Deps
	log    logrus.FieldLogger

	inFlight atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	last    *CycleReport
}

func NewBot(userID string, deps Deps) *Bot {
	deps.withDefaults()
	return &Bot{
		userID: userID,
		deps:   deps,
		log:    deps.Log.WithFields(logrus.Fields{"component": "engine", "user_id": userID}),
	}
}

func (b *Bot) UserID() string { return b.userID }

// Running reports whether the scheduler loop is active.
func (b *Bot) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// LastCycle returns the most recent completed cycle, or nil.
func (b *Bot) LastCycle() *CycleReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Start launches the scheduler loop. Starting a running bot is a no-op.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(ctx, b.stop, b.done)
	b.log.WithField("interval", b.deps.Interval.String()).Info("bot started")
}

// Stop prevents further cycles. A cycle already running completes.
func (b *Bot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	close(b.stop)
	b.running = false
	b.log.Info("bot stopped")
}

// Done is closed once the loop has exited after Stop or context cancellation.
// It is nil for a bot that was never started.
func (b *Bot) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Bot) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.deps.Interval)
	defer ticker.Stop()

	b.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.running = false
			b.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			b.tick(ctx)
		}
	}
}

func (b *Bot) tick(ctx context.Context) {
	_, err := b.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		b.log.Debug("previous cycle still running, tick skipped")
	case err != nil:
		b.log.WithError(err).Error("cycle failed")
	}
}

// ExecuteNow runs one cycle immediately.
func (b *Bot) ExecuteNow(ctx context.Context) (*CycleReport, error) {
	return b.RunCycle(ctx)
}

// RunCycle evaluates every enabled strategy and then runs the risk pass. A
// strategy failure is logged against that strategy and collected in the
// report; only failing to load the user's settings or strategies fails the
// cycle itself.
func (b *Bot) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !b.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer b.inFlight.Store(false)

	timer := monitor.NewTimer(b.deps.Metrics.CycleLatency)
	report := &CycleReport{UserID: b.userID, StartedAt: time.Now()}

	settings, err := b.deps.Settings.Load(ctx, b.userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	strategies, err := b.deps.Strategies.ListEnabled(ctx, b.userID)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	report.Strategies = len(strategies)

	var g errgroup.Group
	g.SetLimit(b.deps.MaxConcurrent)
	for _, s := range strategies {
		g.Go(func() error {
			if err := b.runStrategy(ctx, s, settings, report); err != nil {
				b.deps.Metrics.IncrementErrors()
				b.log.WithError(err).WithField("strategy_id", s.ID).Error("strategy failed")
				b.appendLog(ctx, execlog.Failure(b.userID, s.ID, execlog.EventError, "", err))
				report.addErr(fmt.Errorf("strategy %s: %w", s.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	riskReport, err := b.deps.Risk.Evaluate(ctx, b.userID, settings)
	report.Risk = riskReport
	if err != nil {
		b.deps.Metrics.IncrementErrors()
		b.log.WithError(err).Error("risk pass failed")
		report.addErr(fmt.Errorf("risk: %w", err))
	}

	report.Duration = timer.Stop()
	for _, e := range multierr.Errors(report.Err()) {
		report.Errors = append(report.Errors, common.Summary(e))
	}
	b.deps.Metrics.CycleCompleted(time.Now())
	b.appendLog(ctx, execlog.Entry{
		UserID:    b.userID,
		EventType: execlog.EventCycleCompleted,
		Success:   len(report.Errors) == 0,
		Details: map[string]any{
			"strategies":  report.Strategies,
			"signals":     report.Signals,
			"orders":      report.Orders,
			"skipped":     report.Skipped,
			"errors":      len(report.Errors),
			"duration_ms": report.Duration.Milliseconds(),
		},
	})
	b.log.WithFields(logrus.Fields{
		"strategies": report.Strategies,
		"signals":    report.Signals,
		"orders":     report.Orders,
		"errors":     len(report.Errors),
		"duration":   report.Duration.String(),
	}).Info("cycle completed")

	b.mu.Lock()
	b.last = report
	b.mu.Unlock()
	return report, nil
}

// runStrategy walks the strategy's symbols in order. The returned error
// aborts the strategy's remaining symbols for this cycle.
func (b *Bot) runStrategy(ctx context.Context, s db.Strategy, settings risk.Settings, report *CycleReport) error {
	log := b.log.WithFields(logrus.Fields{"strategy_id": s.ID, "variant": s.Variant})
	for _, symbol := range s.Symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		series, err := b.deps.Market.FetchCandles(ctx, symbol, s.Timeframe, b.deps.CandleLimit)
		if errors.Is(err, market.ErrNoDataAvailable) {
			log.WithField("symbol", symbol).Info("no market data, skipped")
			b.appendLog(ctx, execlog.Failure(b.userID, s.ID, execlog.EventNoData, symbol, err))
			continue
		}
		if err != nil {
			return fmt.Errorf("candles %s: %w", symbol, err)
		}
		if series.FromCache {
			b.appendLog(ctx, execlog.Entry{
				UserID: b.userID, StrategyID: s.ID, EventType: execlog.EventDataFallback, Symbol: symbol,
				Success: true, Details: map[string]any{"candles": len(series.Candles)},
			})
		}

		sig, err := b.deps.Evaluator.Evaluate(ctx, s, series)
		if errors.Is(err, market.ErrNoDataAvailable) {
			b.appendLog(ctx, execlog.Failure(b.userID, s.ID, execlog.EventNoData, symbol, err))
			continue
		}
		if err != nil {
			return err
		}
		if sig == nil {
			continue
		}
		if err := b.recordSignal(ctx, sig); err != nil {
			return err
		}
		report.count(&report.Signals)
		if !sig.AutoExecute() {
			continue
		}

		o, err := b.deps.Executor.Execute(ctx, order.Request{
			UserID:   b.userID,
			Strategy: s,
			Signal:   sig,
			Mode:     settings.Mode(),
		})
		switch {
		case order.IsSkip(err):
			report.count(&report.Skipped)
			b.appendLog(ctx, execlog.Failure(b.userID, s.ID, execlog.EventOrderSkipped, symbol, err))
		case errors.Is(err, order.ErrOrderFailed):
			report.count(&report.Orders)
			entry := execlog.Failure(b.userID, s.ID, execlog.EventOrderFailed, symbol, err)
			entry.Details = orderDetails(o)
			b.appendLog(ctx, entry)
		case err != nil:
			return err
		default:
			report.count(&report.Orders)
			b.appendLog(ctx, execlog.Success(b.userID, s.ID, execlog.EventOrderPlaced, symbol, orderDetails(o)))
		}
	}
	return nil
}

func (b *Bot) recordSignal(ctx context.Context, sig *strategy.Signal) error {
	b.deps.Metrics.IncrementSignals()
	if err := b.deps.Queries.CreateSignal(ctx, sig.Record()); err != nil {
		return fmt.Errorf("store signal: %w", err)
	}
	if b.deps.Bus != nil {
		b.deps.Bus.Publish(events.EventStrategySignal, *sig)
	}
	b.appendLog(ctx, execlog.Success(b.userID, sig.StrategyID, execlog.EventSignal, sig.Symbol, map[string]any{
		"signal_id":    sig.ID,
		"direction":    sig.Direction,
		"confidence":   sig.Confidence,
		"price":        sig.Price.String(),
		"rationale":    sig.Rationale,
		"auto_execute": sig.AutoExecute(),
	}))
	return nil
}

func orderDetails(o *db.Order) map[string]any {
	if o == nil {
		return nil
	}
	return map[string]any{
		"order_id":    o.ID,
		"external_id": o.ExternalID,
		"side":        o.Side,
		"mode":        o.Mode,
		"status":      o.Status,
		"filled_qty":  o.FilledQty.String(),
		"fill_price":  o.FillPrice.String(),
	}
}

func (b *Bot) appendLog(ctx context.Context, e execlog.Entry) {
	if b.deps.ExecLog == nil {
		return
	}
	if err := b.deps.ExecLog.Append(ctx, e); err != nil {
		b.log.WithError(err).Warn("execution log append failed")
	}
}
