package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ----------------------------------------
// Execution Log Queries
// ----------------------------------------

// AppendExecutionLog inserts an execution log entry. Entries are never updated.
func (q *UserQueries) AppendExecutionLog(ctx context.Context, e ExecutionLog) error {
	if e.UserID == "" {
		return ErrUserIDRequired
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal log details: %w", err)
		}
		details = raw
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var strategyID sql.NullString
	if e.StrategyID != "" {
		strategyID = sql.NullString{String: e.StrategyID, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, user_id, strategy_id, event_type, symbol, success, error_message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, strategyID, e.EventType, e.Symbol, e.Success, e.ErrorMessage, string(details), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// TailExecutionLogs returns the user's latest log entries, newest first.
func (q *UserQueries) TailExecutionLogs(ctx context.Context, userID string, limit int) ([]ExecutionLog, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(strategy_id, ''), event_type, symbol, success, error_message, details, created_at
		FROM execution_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLog
	for rows.Next() {
		var (
			e         ExecutionLog
			details   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.StrategyID, &e.EventType, &e.Symbol, &e.Success,
			&e.ErrorMessage, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if details != "" && details != "{}" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trading Settings Queries
// ----------------------------------------

// GetTradingSettings returns the user's settings or ErrNotFound.
func (q *UserQueries) GetTradingSettings(ctx context.Context, userID string) (*TradingSettings, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var (
		s         TradingSettings
		tripped   sql.NullInt64
		updatedAt int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, paper_mode, max_daily_loss, max_loss_percent, take_profit_percent, breaker_tripped_at, updated_at
		FROM trading_settings WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.PaperMode, &s.MaxDailyLoss, &s.MaxLossPercent, &s.TakeProfitPercent, &tripped, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trading settings: %w", err)
	}
	s.BreakerTrippedAt = timePtr(tripped)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// UpsertTradingSettings writes the user's settings. The breaker flag is left untouched.
func (q *UserQueries) UpsertTradingSettings(ctx context.Context, s TradingSettings) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trading_settings (user_id, paper_mode, max_daily_loss, max_loss_percent, take_profit_percent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			paper_mode = excluded.paper_mode,
			max_daily_loss = excluded.max_daily_loss,
			max_loss_percent = excluded.max_loss_percent,
			take_profit_percent = excluded.take_profit_percent,
			updated_at = excluded.updated_at
	`, s.UserID, s.PaperMode, s.MaxDailyLoss, s.MaxLossPercent, s.TakeProfitPercent, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert trading settings: %w", err)
	}
	return nil
}

// SetBreakerTripped records (or clears, with nil) the time the daily-loss breaker tripped.
func (q *UserQueries) SetBreakerTripped(ctx context.Context, userID string, at *time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE trading_settings SET breaker_tripped_at = ?, updated_at = ? WHERE user_id = ?
	`, nullMillis(at), toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("set breaker state: %w", err)
	}
	return requireAffected(res)
}
