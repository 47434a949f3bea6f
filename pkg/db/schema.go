package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    credential_ref TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('MASTER','FOLLOWER')),
    leverage INTEGER NOT NULL DEFAULT 10,
    risk_percentage REAL NOT NULL DEFAULT 10.0,
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS copy_links (
    id TEXT PRIMARY KEY,
    master_id TEXT NOT NULL,
    follower_id TEXT NOT NULL,
    copy_percentage REAL NOT NULL DEFAULT 100.0 CHECK (copy_percentage > 0 AND copy_percentage <= 100),
    risk_multiplier REAL NOT NULL DEFAULT 1.0 CHECK (risk_multiplier > 0),
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY(master_id) REFERENCES accounts(id),
    FOREIGN KEY(follower_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
    order_type TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    stop_price REAL NOT NULL DEFAULT 0,
    take_profit_price REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    copied_from_master BOOLEAN NOT NULL DEFAULT 0,
    master_trade_id TEXT,
    exchange_time DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY(account_id) REFERENCES accounts(id),
    FOREIGN KEY(master_trade_id) REFERENCES trades(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_account_order ON trades(account_id, exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_trades_master_trade ON trades(master_trade_id);
CREATE INDEX IF NOT EXISTS idx_trades_account_symbol_time ON trades(account_id, symbol, exchange_time);

CREATE TABLE IF NOT EXISTS system_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    account_id TEXT,
    trade_id TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_system_logs_created ON system_logs(created_at);
`

// ApplyMigrations creates the schema and adds columns introduced after the
// first release.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("apply migrations: database is nil")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Balance snapshot written by the housekeeping job.
	if err := ensureColumn(d.DB, "accounts", "cached_balance", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "balance_updated_at", "DATETIME"); err != nil {
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
