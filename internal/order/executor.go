package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradebot-core/internal/events"
	"tradebot-core/internal/execlog"
	"tradebot-core/internal/monitor"
	"tradebot-core/internal/state"
	"tradebot-core/internal/strategy"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/id"
)

const defaultPlaceTimeout = 15 * time.Second

// Request asks the executor to act on one signal.
type Request struct {
	UserID   string
	Strategy db.Strategy
	Signal   *strategy.Signal
	Mode     string // db.ModePaper or db.ModeReal
}

// Config wires the executor's collaborators.
type Config struct {
	Queries   *db.UserQueries
	Book      *state.Book
	Trading   common.Trading
	Bus       *events.Bus
	ExecLog   *execlog.Log
	Metrics   *monitor.SystemMetrics
	Log       logrus.FieldLogger
	Threshold float64
	Timeout   time.Duration
}

// Executor turns auto-executable signals into orders, paper or real, and
// keeps positions in step with the fills.
type Executor struct {
	queries   *db.UserQueries
	book      *state.Book
	trading   common.Trading
	bus       *events.Bus
	execLog   *execlog.Log
	metrics   *monitor.SystemMetrics
	log       logrus.FieldLogger
	threshold float64
	timeout   time.Duration

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		queries:   cfg.Queries,
		book:      cfg.Book,
		trading:   cfg.Trading,
		bus:       cfg.Bus,
		execLog:   cfg.ExecLog,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		userLocks: make(map[string]*sync.Mutex),
	}
	if e.threshold <= 0 {
		e.threshold = strategy.DefaultAutoExecuteThreshold
	}
	if e.timeout <= 0 {
		e.timeout = defaultPlaceTimeout
	}
	if e.metrics == nil {
		e.metrics = monitor.NewSystemMetrics()
	}
	return e
}

func (e *Executor) lockUser(userID string) func() {
	e.mu.Lock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.userLocks[userID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Execute places the order for req. Skips return one of the skip errors and
// no Order. A placement always writes exactly one Order; REJECTED and ERROR
// outcomes return it together with an ErrOrderFailed error.
func (e *Executor) Execute(ctx context.Context, req Request) (*db.Order, error) {
	sig := req.Signal
	if sig == nil || sig.Confidence <= e.threshold {
		return nil, ErrBelowThreshold
	}
	if req.UserID == "" {
		return nil, db.ErrUserIDRequired
	}
	unlock := e.lockUser(req.UserID)
	defer unlock()

	log := e.log.WithFields(logrus.Fields{
		"user_id":     req.UserID,
		"strategy_id": req.Strategy.ID,
		"symbol":      sig.Symbol,
		"side":        sig.Direction,
		"mode":        req.Mode,
	})

	held, hasPosition, err := e.book.Find(ctx, req.UserID, req.Strategy.ID, sig.Symbol)
	if err != nil {
		return nil, err
	}
	if sig.Direction == strategy.DirectionBuy {
		if hasPosition {
			return nil, ErrPositionOpen
		}
		open, err := e.book.Count(ctx, req.UserID, req.Strategy.ID)
		if err != nil {
			return nil, err
		}
		if open >= req.Strategy.MaxOpenPositions {
			return nil, ErrMaxOpenPositions
		}
	}

	var position *db.Position
	if hasPosition {
		position = &held
	}

	timer := monitor.NewTimer(e.metrics.OrderLatency)
	var o *db.Order
	if req.Mode == db.ModeReal {
		o, err = e.placeReal(ctx, req, position)
	} else {
		o, err = e.placePaper(req, position)
	}
	timer.Stop()
	if err != nil {
		return nil, err
	}

	if err := e.queries.CreateOrder(ctx, *o); err != nil {
		log.WithError(err).Error("store order")
		return nil, fmt.Errorf("store order: %w", err)
	}
	e.metrics.IncrementOrders()
	if e.bus != nil {
		e.bus.Publish(events.EventOrderUpdate, *o)
	}
	log = log.WithFields(logrus.Fields{"order_id": o.ID, "status": o.Status, "external_id": o.ExternalID})

	switch o.Status {
	case db.OrderRejected, db.OrderError:
		log.WithField("error", o.Error).Warn("order not filled")
		return o, fmt.Errorf("%w: %s %s", ErrOrderFailed, o.Status, o.Error)
	case db.OrderPending:
		log.Info("order acknowledged, awaiting fill")
		return o, nil
	}

	log.WithFields(logrus.Fields{"qty": o.FilledQty.String(), "price": o.FillPrice.String()}).Info("order filled")
	if err := e.applyFill(ctx, *o); err != nil {
		return o, err
	}
	return o, nil
}

func (e *Executor) placePaper(req Request, position *db.Position) (*db.Order, error) {
	sig := req.Signal
	if !sig.Price.IsPositive() {
		return nil, fmt.Errorf("paper %s %s: no reference price", sig.Direction, sig.Symbol)
	}
	qty := req.Strategy.PositionSize.Div(sig.Price)
	if sig.Direction == strategy.DirectionSell && position != nil {
		qty = position.Quantity
	}
	o := e.newOrder(req)
	o.RequestedQty = qty
	if sig.Direction == strategy.DirectionBuy {
		o.RequestedNotional = req.Strategy.PositionSize
	}
	o.ExternalID = id.Prefixed("PAPER")
	o.FillPrice = sig.Price
	o.FilledQty = qty
	o.Status = db.OrderFilled
	return o, nil
}

func (e *Executor) placeReal(ctx context.Context, req Request, position *db.Position) (*db.Order, error) {
	if e.trading == nil {
		return nil, errors.New("real mode requires a trading provider")
	}
	sig := req.Signal
	o := e.newOrder(req)
	mreq := common.MarketOrderRequest{Symbol: sig.Symbol, ClientID: o.ID}

	if sig.Direction == strategy.DirectionBuy {
		mreq.Side = common.SideBuy
		mreq.QuoteQty = req.Strategy.PositionSize
		o.RequestedNotional = req.Strategy.PositionSize
	} else {
		free, err := e.freeBalance(ctx, common.BaseAsset(sig.Symbol))
		if err != nil {
			// Balance read failed before anything was placed.
			e.log.WithError(err).WithFields(logrus.Fields{"user_id": req.UserID, "symbol": sig.Symbol}).Warn("read free balance")
			o.Status = db.OrderError
			o.Error = common.Summary(err)
			return o, nil
		}
		if !free.IsPositive() {
			return nil, ErrNoFreeBalance
		}
		qty := free
		if position != nil {
			qty = decimal.Min(position.Quantity, free)
		}
		mreq.Side = common.SideSell
		mreq.Quantity = qty
		o.RequestedQty = qty
	}

	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := e.trading.PlaceMarketOrder(pctx, mreq)
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"user_id":   req.UserID,
			"symbol":    sig.Symbol,
			"client_id": o.ID,
		}).Warn("place market order")
		o.Error = common.Summary(err)
		if common.IsRejection(err) {
			o.Status = db.OrderRejected
		} else {
			o.Status = db.OrderError
		}
		return o, nil
	}

	o.ExternalID = res.ExternalID
	o.FilledQty = res.ExecutedQty
	o.FillPrice = res.AvgPrice()
	if o.FillPrice.IsZero() && res.Status == common.StatusFilled {
		o.FillPrice = sig.Price
	}
	o.Status = OrderStatus(res.Status)
	return o, nil
}

// OrderStatus maps a provider status onto the stored order status.
func OrderStatus(s common.OrderStatus) string {
	switch s {
	case common.StatusFilled:
		return db.OrderFilled
	case common.StatusNew, common.StatusPartial:
		return db.OrderPending
	case common.StatusRejected, common.StatusCanceled, common.StatusExpired:
		return db.OrderRejected
	default:
		return db.OrderError
	}
}

func (e *Executor) freeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	balances, err := e.trading.GetAccountBalances(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balances: %w", err)
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

func (e *Executor) newOrder(req Request) *db.Order {
	now := time.Now()
	return &db.Order{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		StrategyID: req.Strategy.ID,
		Symbol:     req.Signal.Symbol,
		Side:       req.Signal.Direction,
		Mode:       req.Mode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ApplyFill opens or closes the strategy's position for a FILLED order. A BUY
// opens a position unless one is already open; a SELL closes the open one.
// Orders without a strategy leave positions alone.
func (e *Executor) ApplyFill(ctx context.Context, o db.Order) error {
	unlock := e.lockUser(o.UserID)
	defer unlock()
	return e.applyFill(ctx, o)
}

func (e *Executor) applyFill(ctx context.Context, o db.Order) error {
	if o.Status != db.OrderFilled || o.StrategyID == "" {
		return nil
	}
	held, ok, err := e.book.Find(ctx, o.UserID, o.StrategyID, o.Symbol)
	if err != nil {
		return err
	}

	switch o.Side {
	case strategy.DirectionBuy:
		if ok || !o.FilledQty.IsPositive() {
			return nil
		}
		p := db.Position{
			ID:         uuid.NewString(),
			UserID:     o.UserID,
			StrategyID: o.StrategyID,
			Symbol:     o.Symbol,
			EntryPrice: o.FillPrice,
			Quantity:   o.FilledQty,
			EntryTime:  o.UpdatedAt,
		}
		if err := e.book.Open(ctx, p); err != nil {
			return fmt.Errorf("open position: %w", err)
		}
		e.publishPosition(p.UserID, p.ID, p.StrategyID, p.Symbol, db.PositionOpen)
		e.appendLog(ctx, execlog.Success(p.UserID, p.StrategyID, execlog.EventPositionOpened, p.Symbol, map[string]any{
			"position_id": p.ID,
			"order_id":    o.ID,
			"entry_price": p.EntryPrice.String(),
			"quantity":    p.Quantity.String(),
		}))

	case strategy.DirectionSell:
		if !ok {
			return nil
		}
		pnl := o.FillPrice.Sub(held.EntryPrice).Mul(held.Quantity)
		pct := decimal.Zero
		if cost := held.Cost(); cost.IsPositive() {
			pct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}
		err := e.book.Close(ctx, db.ClosePositionParams{
			UserID:     o.UserID,
			ID:         held.ID,
			Status:     db.PositionClosed,
			ExitPrice:  o.FillPrice,
			ExitTime:   o.UpdatedAt,
			PnL:        pnl,
			PnLPercent: pct,
		})
		if errors.Is(err, db.ErrPositionNotOpen) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		e.publishPosition(held.UserID, held.ID, held.StrategyID, held.Symbol, db.PositionClosed)
		e.appendLog(ctx, execlog.Success(held.UserID, held.StrategyID, execlog.EventPositionClosed, held.Symbol, map[string]any{
			"position_id": held.ID,
			"order_id":    o.ID,
			"status":      db.PositionClosed,
			"exit_price":  o.FillPrice.String(),
			"pnl":         pnl.String(),
			"pnl_percent": pct.StringFixed(4),
		}))
	}
	return nil
}

func (e *Executor) publishPosition(userID, positionID, strategyID, symbol, status string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventPositionChange, events.PositionChange{
		UserID:     userID,
		PositionID: positionID,
		StrategyID: strategyID,
		Symbol:     symbol,
		Status:     status,
	})
}

func (e *Executor) appendLog(ctx context.Context, entry execlog.Entry) {
	if e.execLog == nil {
		return
	}
	if err := e.execLog.Append(ctx, entry); err != nil {
		e.log.WithError(err).Warn("execution log append failed")
	}
}
