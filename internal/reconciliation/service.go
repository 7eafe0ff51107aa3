// Package reconciliation corrects local real-mode orders against the
// provider's order history.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tradebot-core/internal/execlog"
	"tradebot-core/internal/order"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

const (
	defaultInterval     = 15 * time.Minute
	defaultHistoryLimit = 500
	defaultTimeout      = 10 * time.Second
)

// FillApplier moves positions for an order that turned out to be filled.
type FillApplier interface {
	ApplyFill(ctx context.Context, o db.Order) error
}

// ModeSource tells whether a user trades on paper.
type ModeSource interface {
	PaperMode(ctx context.Context, userID string) (bool, error)
}

// Config wires the Service.
type Config struct {
	Provider common.OrderHistory
	Queries  *db.UserQueries
	Fills    FillApplier
	Modes    ModeSource
	ExecLog  *execlog.Log
	Log      logrus.FieldLogger
	Interval time.Duration
	AutoSync bool
	Timeout  time.Duration
}

// Service periodically reconciles each user's real-mode orders.
type Service struct {
	provider common.OrderHistory
	queries  *db.UserQueries
	fills    FillApplier
	modes    ModeSource
	execLog  *execlog.Log
	log      logrus.FieldLogger
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	autoSync bool
}

// Report is the outcome of one Reconcile pass.
type Report struct {
	UserID    string       `json:"user_id"`
	Timestamp time.Time    `json:"timestamp"`
	Checked   int          `json:"checked"`
	Corrected []Correction `json:"corrected"`
	Orphans   []Orphan     `json:"orphans"`
	Synced    int          `json:"synced"`
}

// HasDiffs reports whether the provider disagreed with the local orders.
func (r *Report) HasDiffs() bool {
	return len(r.Corrected) > 0 || len(r.Orphans) > 0
}

// Correction is a local PENDING order whose final provider status was applied.
type Correction struct {
	OrderID    string `json:"order_id"`
	ExternalID string `json:"external_id"`
	Symbol     string `json:"symbol"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// Orphan is a provider order with no local record.
type Orphan struct {
	ExternalID string          `json:"external_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Status     string          `json:"status"`
	Quantity   decimal.Decimal `json:"quantity"`
	Synced     bool            `json:"synced"`
}

func NewService(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Service{
		provider: cfg.Provider,
		queries:  cfg.Queries,
		fills:    cfg.Fills,
		modes:    cfg.Modes,
		execLog:  cfg.ExecLog,
		log:      cfg.Log.WithField("component", "reconciliation"),
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		autoSync: cfg.AutoSync,
	}
}

// SetAutoSync toggles recording of orphan provider orders.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	s.autoSync = enabled
	s.mu.Unlock()
	s.log.WithField("auto_sync", enabled).Info("reconciliation auto-sync changed")
}

func (s *Service) syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSync
}

// Start reconciles users on every tick until ctx ends. Users in paper mode are
// skipped.
func (s *Service) Start(ctx context.Context, users func() []string) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, userID := range users() {
					s.reconcileScheduled(ctx, userID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.WithFields(logrus.Fields{"interval": s.interval.String(), "auto_sync": s.syncing()}).
		Info("reconciliation started")
}

func (s *Service) reconcileScheduled(ctx context.Context, userID string) {
	log := s.log.WithField("user_id", userID)
	if s.modes != nil {
		paper, err := s.modes.PaperMode(ctx, userID)
		if err != nil {
			log.WithError(err).Warn("read trading mode")
			return
		}
		if paper {
			return
		}
	}
	report, err := s.Reconcile(ctx, userID)
	if err != nil {
		log.WithError(err).Error("reconciliation failed")
	}
	if report != nil && report.HasDiffs() {
		log.WithFields(logrus.Fields{
			"corrected": len(report.Corrected),
			"orphans":   len(report.Orphans),
			"synced":    report.Synced,
		}).Warn("reconciliation found differences")
	}
}

// Reconcile compares the user's real-mode orders with the provider's history
// for every symbol the user has traded. A failure on one symbol does not stop
// the others; the returned report covers what was checked.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Report, error) {
	report := &Report{UserID: userID, Timestamp: time.Now()}
	if s.provider == nil {
		return report, nil
	}

	local, err := s.queries.ListOrdersByMode(ctx, userID, db.ModeReal)
	if err != nil {
		return nil, fmt.Errorf("load real orders: %w", err)
	}
	byExternal := make(map[string]db.Order, len(local))
	ids := make(map[string]struct{}, len(local))
	symbolSet := make(map[string]struct{})
	for _, o := range local {
		ids[o.ID] = struct{}{}
		symbolSet[o.Symbol] = struct{}{}
		if o.ExternalID != "" {
			byExternal[o.ExternalID] = o
		}
	}
	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var errs error
	for _, symbol := range symbols {
		if err := s.reconcileSymbol(ctx, userID, symbol, byExternal, ids, report); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return report, errs
}

func (s *Service) reconcileSymbol(ctx context.Context, userID, symbol string, local map[string]db.Order, ids map[string]struct{}, report *Report) error {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	remote, err := s.provider.ListOrders(lctx, symbol, defaultHistoryLimit)
	cancel()
	if err != nil {
		return fmt.Errorf("list provider orders: %w", err)
	}

	var errs error
	for _, r := range remote {
		report.Checked++
		o, known := local[r.ExternalID]
		switch {
		case known && o.Status == db.OrderPending && r.Status.Final():
			errs = multierr.Append(errs, s.correct(ctx, o, r, report))
		case !known:
			errs = multierr.Append(errs, s.orphan(ctx, userID, r, ids, report))
		}
	}
	return errs
}

func (s *Service) correct(ctx context.Context, o db.Order, r common.OrderResult, report *Report) error {
	status := order.OrderStatus(r.Status)
	fillPrice := r.AvgPrice()
	if err := s.queries.UpdateOrderStatus(ctx, o.UserID, o.ID, status, fillPrice, r.ExecutedQty); err != nil {
		return fmt.Errorf("correct order %s: %w", o.ID, err)
	}
	report.Corrected = append(report.Corrected, Correction{
		OrderID: o.ID, ExternalID: o.ExternalID, Symbol: o.Symbol, From: o.Status, To: status,
	})

	var errs error
	if status == db.OrderFilled && s.fills != nil {
		o.Status, o.FillPrice, o.FilledQty = status, fillPrice, r.ExecutedQty
		if err := s.fills.ApplyFill(ctx, o); err != nil {
			errs = fmt.Errorf("apply fill %s: %w", o.ID, err)
		}
	}
	s.appendLog(ctx, execlog.Entry{
		UserID: o.UserID, StrategyID: o.StrategyID, EventType: execlog.EventReconciled, Symbol: o.Symbol,
		Success: errs == nil,
		Details: map[string]any{
			"order_id":    o.ID,
			"external_id": o.ExternalID,
			"from":        db.OrderPending,
			"to":          status,
		},
	})
	return errs
}

func (s *Service) orphan(ctx context.Context, userID string, r common.OrderResult, ids map[string]struct{}, report *Report) error {
	orphan := Orphan{
		ExternalID: r.ExternalID,
		Symbol:     r.Symbol,
		Side:       string(r.Side),
		Status:     order.OrderStatus(r.Status),
		Quantity:   r.ExecutedQty,
	}
	if !s.syncing() {
		report.Orphans = append(report.Orphans, orphan)
		return nil
	}

	// The client id is the local id the order would have been stored under.
	orderID := r.ClientID
	if _, taken := ids[orderID]; taken || uuid.Validate(orderID) != nil {
		orderID = uuid.NewString()
	}
	ids[orderID] = struct{}{}
	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}
	err := s.queries.CreateOrder(ctx, db.Order{
		ID:           orderID,
		UserID:       userID,
		Symbol:       r.Symbol,
		Side:         string(r.Side),
		Mode:         db.ModeReal,
		RequestedQty: r.ExecutedQty,
		ExternalID:   r.ExternalID,
		FillPrice:    r.AvgPrice(),
		FilledQty:    r.ExecutedQty,
		Status:       orphan.Status,
		CreatedAt:    at,
	})
	if err != nil {
		report.Orphans = append(report.Orphans, orphan)
		return fmt.Errorf("record orphan %s: %w", r.ExternalID, err)
	}
	orphan.Synced = true
	report.Orphans = append(report.Orphans, orphan)
	report.Synced++
	s.appendLog(ctx, execlog.Success(userID, "", execlog.EventReconciled, r.Symbol, map[string]any{
		"order_id":    orderID,
		"external_id": r.ExternalID,
		"status":      orphan.Status,
		"orphan":      true,
	}))
	return nil
}

func (s *Service) appendLog(ctx context.Context, e execlog.Entry) {
	if s.execLog == nil {
		return
	}
	if err := s.execLog.Append(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Warn("execution log append failed")
	}
}
