package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix milliseconds (UTC) so range queries compare numerically.
// Money, price and quantity columns hold decimal strings.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    variant TEXT NOT NULL,
    category TEXT NOT NULL,
    symbols TEXT NOT NULL DEFAULT '[]',
    timeframe TEXT NOT NULL DEFAULT '1h',
    position_size TEXT NOT NULL,
    max_open_positions INTEGER NOT NULL DEFAULT 1,
    enabled INTEGER NOT NULL DEFAULT 0,
    params TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id, enabled);

CREATE TABLE IF NOT EXISTS market_candles (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    open_time INTEGER NOT NULL,
    close_time INTEGER NOT NULL,
    open TEXT NOT NULL,
    high TEXT NOT NULL,
    low TEXT NOT NULL,
    close TEXT NOT NULL,
    volume TEXT NOT NULL,
    quote_volume TEXT NOT NULL DEFAULT '0'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_candles_key ON market_candles(symbol, timeframe, close_time);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    confidence REAL NOT NULL,
    price TEXT NOT NULL,
    rationale TEXT,
    indicators TEXT NOT NULL DEFAULT '{}',
    auto_execute INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_user ON signals(user_id, created_at);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    mode TEXT NOT NULL,
    requested_qty TEXT NOT NULL DEFAULT '0',
    requested_notional TEXT NOT NULL DEFAULT '0',
    external_id TEXT NOT NULL DEFAULT '',
    fill_price TEXT NOT NULL DEFAULT '0',
    filled_qty TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_external ON orders(user_id, external_id);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    quantity TEXT NOT NULL,
    entry_time INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    exit_price TEXT,
    exit_time INTEGER,
    pnl TEXT,
    pnl_percent TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_user_created ON positions(user_id, created_at);

CREATE TABLE IF NOT EXISTS execution_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_id TEXT,
    event_type TEXT NOT NULL,
    symbol TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 1,
    error_message TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_user ON execution_logs(user_id, created_at);

CREATE TABLE IF NOT EXISTS trading_settings (
    user_id TEXT PRIMARY KEY,
    paper_mode INTEGER NOT NULL DEFAULT 1,
    max_daily_loss TEXT NOT NULL,
    max_loss_percent TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// ApplyMigrations creates tables if they do not exist and adds columns introduced later.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Configurable take-profit target; older rows default to the fixed 5%.
	if err := ensureColumn(d.DB, "trading_settings", "take_profit_percent", "TEXT NOT NULL DEFAULT '5'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trading_settings", "breaker_tripped_at", "INTEGER"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
