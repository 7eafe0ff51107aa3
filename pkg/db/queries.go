// Package db provides user-isolated database queries for the trading core.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired  = errors.New("user_id is required for data isolation")
	ErrNotFound        = errors.New("record not found")
	ErrPositionNotOpen = errors.New("position is not open")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Strategy Queries
// ----------------------------------------

const strategyColumns = `id, user_id, name, variant, category, symbols, timeframe, position_size,
	max_open_positions, enabled, params, created_at, updated_at`

// UpsertStrategy inserts a strategy or replaces its configuration when the id exists.
func (q *UserQueries) UpsertStrategy(ctx context.Context, s Strategy) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	symbols, err := json.Marshal(s.Symbols)
	if err != nil {
		return fmt.Errorf("marshal symbols: %w", err)
	}
	params, err := marshalParams(s.Params)
	if err != nil {
		return err
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO strategies (`+strategyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			variant = excluded.variant,
			category = excluded.category,
			symbols = excluded.symbols,
			timeframe = excluded.timeframe,
			position_size = excluded.position_size,
			max_open_positions = excluded.max_open_positions,
			enabled = excluded.enabled,
			params = excluded.params,
			updated_at = excluded.updated_at
		WHERE strategies.user_id = excluded.user_id
	`, s.ID, s.UserID, s.Name, s.Variant, s.Category, string(symbols), s.Timeframe, s.PositionSize,
		s.MaxOpenPositions, s.Enabled, params, toMillis(s.CreatedAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

// GetStrategy returns one strategy owned by userID.
func (q *UserQueries) GetStrategy(ctx context.Context, userID, id string) (*Strategy, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE user_id = ? AND id = ?`, userID, id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	return s, nil
}

// ListStrategies returns the user's strategies, optionally only enabled ones.
func (q *UserQueries) ListStrategies(ctx context.Context, userID string, enabledOnly bool) ([]Strategy, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE user_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SetStrategyEnabled flips the enabled flag of one strategy.
func (q *UserQueries) SetStrategyEnabled(ctx context.Context, userID, id string, enabled bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE strategies SET enabled = ?, updated_at = ? WHERE user_id = ? AND id = ?
	`, enabled, toMillis(time.Now()), userID, id)
	if err != nil {
		return fmt.Errorf("set strategy enabled: %w", err)
	}
	return requireAffected(res)
}

// DisableAllStrategies disables every strategy of the user and returns how many were enabled.
func (q *UserQueries) DisableAllStrategies(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE strategies SET enabled = 0, updated_at = ? WHERE user_id = ? AND enabled = 1
	`, toMillis(time.Now()), userID)
	if err != nil {
		return 0, fmt.Errorf("disable strategies: %w", err)
	}
	return res.RowsAffected()
}

// UpdateStrategyParams replaces the params document of one strategy.
func (q *UserQueries) UpdateStrategyParams(ctx context.Context, userID, id string, params map[string]any) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE strategies SET params = ?, updated_at = ? WHERE user_id = ? AND id = ?
	`, raw, toMillis(time.Now()), userID, id)
	if err != nil {
		return fmt.Errorf("update strategy params: %w", err)
	}
	return requireAffected(res)
}

// DeleteStrategy removes a strategy row.
func (q *UserQueries) DeleteStrategy(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM strategies WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	return requireAffected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (*Strategy, error) {
	var (
		s                    Strategy
		symbols, params      string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.Variant, &s.Category, &symbols, &s.Timeframe,
		&s.PositionSize, &s.MaxOpenPositions, &s.Enabled, &params, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(symbols), &s.Symbols); err != nil {
		return nil, fmt.Errorf("decode symbols of %s: %w", s.ID, err)
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &s.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", s.ID, err)
		}
	}
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

func marshalParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(raw), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
