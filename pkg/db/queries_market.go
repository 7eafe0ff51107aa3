package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ----------------------------------------
// Candle Queries
// ----------------------------------------

// UpsertCandles merges candles keyed by (symbol, timeframe, close_time).
// A candle with an existing close time replaces the stored values; identical
// candles leave the table unchanged.
func (q *UserQueries) UpsertCandles(ctx context.Context, candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candle upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_candles (symbol, timeframe, open_time, close_time, open, high, low, close, volume, quote_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, close_time) DO UPDATE SET
			open_time = excluded.open_time,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			quote_volume = excluded.quote_volume
	`)
	if err != nil {
		return fmt.Errorf("prepare candle upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, toMillis(c.OpenTime), toMillis(c.CloseTime),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume); err != nil {
			return fmt.Errorf("upsert candle %s %s %d: %w", c.Symbol, c.Timeframe, toMillis(c.CloseTime), err)
		}
	}
	return tx.Commit()
}

// LatestCandles returns up to limit most recent candles, oldest first.
func (q *UserQueries) LatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT symbol, timeframe, open_time, close_time, open, high, low, close, volume, quote_volume
		FROM market_candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY close_time DESC
		LIMIT ?
	`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var (
			c                   Candle
			openTime, closeTime int64
		)
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &openTime, &closeTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = fromMillis(openTime)
		c.CloseTime = fromMillis(closeTime)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ----------------------------------------
// Signal Queries
// ----------------------------------------

// CreateSignal stores an evaluated signal for audit.
func (q *UserQueries) CreateSignal(ctx context.Context, s Signal) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	indicators, err := json.Marshal(s.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	if s.Indicators == nil {
		indicators = []byte("{}")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO signals (id, user_id, strategy_id, symbol, direction, confidence, price, rationale, indicators, auto_execute, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.StrategyID, s.Symbol, s.Direction, s.Confidence, s.Price, s.Rationale,
		string(indicators), s.AutoExecute, toMillis(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// ListSignals returns the user's most recent signals, newest first.
func (q *UserQueries) ListSignals(ctx context.Context, userID string, limit int) ([]Signal, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, strategy_id, symbol, direction, confidence, price, COALESCE(rationale, ''),
		       indicators, auto_execute, created_at
		FROM signals
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var (
			s          Signal
			indicators string
			createdAt  int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.StrategyID, &s.Symbol, &s.Direction, &s.Confidence, &s.Price,
			&s.Rationale, &indicators, &s.AutoExecute, &createdAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if indicators != "" {
			_ = json.Unmarshal([]byte(indicators), &s.Indicators)
		}
		s.CreatedAt = fromMillis(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}
