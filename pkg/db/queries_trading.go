package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------
// Order Queries
// ----------------------------------------

const orderColumns = `id, user_id, strategy_id, symbol, side, mode, requested_qty, requested_notional,
	external_id, fill_price, filled_qty, status, error, created_at, updated_at`

// CreateOrder inserts an order record.
func (q *UserQueries) CreateOrder(ctx context.Context, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.StrategyID, o.Symbol, o.Side, o.Mode, o.RequestedQty, o.RequestedNotional,
		o.ExternalID, o.FillPrice, o.FilledQty, o.Status, o.Error, toMillis(o.CreatedAt), toMillis(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus corrects the status and fill of an existing order.
func (q *UserQueries) UpdateOrderStatus(ctx context.Context, userID, id, status string, fillPrice, filledQty decimal.Decimal) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, fill_price = ?, filled_qty = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`, status, fillPrice, filledQty, toMillis(time.Now()), userID, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return requireAffected(res)
}

// GetOrdersByUser returns the user's most recent orders, newest first.
func (q *UserQueries) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
}

// ListOrdersByMode returns all of the user's orders placed in the given mode, oldest first.
func (q *UserQueries) ListOrdersByMode(ctx context.Context, userID, mode string) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND mode = ?
		ORDER BY created_at, id
	`, userID, mode)
}

// GetOrderByExternalID looks up an order by the provider (or paper) order id.
func (q *UserQueries) GetOrderByExternalID(ctx context.Context, userID, externalID string) (*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	orders, err := q.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND external_id = ? LIMIT 1
	`, userID, externalID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

func (q *UserQueries) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var (
			o                    Order
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.StrategyID, &o.Symbol, &o.Side, &o.Mode, &o.RequestedQty,
			&o.RequestedNotional, &o.ExternalID, &o.FillPrice, &o.FilledQty, &o.Status, &o.Error,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.CreatedAt = fromMillis(createdAt)
		o.UpdatedAt = fromMillis(updatedAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

const positionColumns = `id, user_id, strategy_id, symbol, entry_price, quantity, entry_time, status,
	exit_price, exit_time, pnl, pnl_percent, created_at`

// CreatePosition inserts a new OPEN position.
func (q *UserQueries) CreatePosition(ctx context.Context, p Position) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	if p.Status == "" {
		p.Status = PositionOpen
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = p.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.StrategyID, p.Symbol, p.EntryPrice, p.Quantity, toMillis(p.EntryTime), p.Status,
		p.ExitPrice, nullMillis(p.ExitTime), p.PnL, p.PnLPercent, toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition returns one position owned by userID.
func (q *UserQueries) GetPosition(ctx context.Context, userID, id string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND id = ?`, userID, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns every OPEN position of the user, oldest first.
func (q *UserQueries) ListOpenPositions(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status = 'OPEN'
		ORDER BY created_at, id
	`, userID)
}

// FindOpenPosition returns the open position of a strategy on a symbol.
func (q *UserQueries) FindOpenPosition(ctx context.Context, userID, strategyID, symbol string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	positions, err := q.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND strategy_id = ? AND symbol = ? AND status = 'OPEN'
		ORDER BY created_at
		LIMIT 1
	`, userID, strategyID, symbol)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

// CountOpenPositions counts OPEN positions held by one strategy.
func (q *UserQueries) CountOpenPositions(ctx context.Context, userID, strategyID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = ? AND strategy_id = ? AND status = 'OPEN'
	`, userID, strategyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// ClosePositionParams describes the terminal transition of a position.
type ClosePositionParams struct {
	UserID     string
	ID         string
	Status     string
	ExitPrice  decimal.Decimal
	ExitTime   time.Time
	PnL        decimal.Decimal
	PnLPercent decimal.Decimal
}

// ClosePosition moves an OPEN position to a closed status. It returns
// ErrPositionNotOpen when the position was already closed, so the transition
// happens exactly once.
func (q *UserQueries) ClosePosition(ctx context.Context, p ClosePositionParams) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	if p.Status == "" || p.Status == PositionOpen {
		return fmt.Errorf("close position %s: invalid terminal status %q", p.ID, p.Status)
	}
	exitTime := p.ExitTime
	if exitTime.IsZero() {
		exitTime = time.Now()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, exit_price = ?, exit_time = ?, pnl = ?, pnl_percent = ?
		WHERE user_id = ? AND id = ? AND status = 'OPEN'
	`, p.Status, p.ExitPrice, toMillis(exitTime), p.PnL, p.PnLPercent, p.UserID, p.ID)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.GetPosition(ctx, p.UserID, p.ID); err != nil {
			return err
		}
		return ErrPositionNotOpen
	}
	return nil
}

// ClosedPositionsSince returns the user's closed positions created at or after since.
func (q *UserQueries) ClosedPositionsSince(ctx context.Context, userID string, since time.Time) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status != 'OPEN' AND created_at >= ?
		ORDER BY created_at, id
	`, userID, toMillis(since))
}

// ListClosedPositions returns the user's closed positions, newest exit first.
func (q *UserQueries) ListClosedPositions(ctx context.Context, userID string, limit int) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status != 'OPEN'
		ORDER BY exit_time DESC, id DESC
		LIMIT ?
	`, userID, limit)
}

func (q *UserQueries) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row scanner) (*Position, error) {
	var (
		p                    Position
		entryTime, createdAt int64
		exitTime             sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.StrategyID, &p.Symbol, &p.EntryPrice, &p.Quantity, &entryTime,
		&p.Status, &p.ExitPrice, &exitTime, &p.PnL, &p.PnLPercent, &createdAt); err != nil {
		return nil, err
	}
	p.EntryTime = fromMillis(entryTime)
	p.ExitTime = timePtr(exitTime)
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}
