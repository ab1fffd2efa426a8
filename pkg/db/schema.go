package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS footprint_candles (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    t0 INTEGER NOT NULL,
    payload TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, timeframe, t0)
);

CREATE INDEX IF NOT EXISTS idx_footprint_candles_partition
    ON footprint_candles(symbol, timeframe, partition_key);

CREATE TABLE IF NOT EXISTS aggregation_runs (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    status TEXT NOT NULL,
    files_processed INTEGER DEFAULT 0,
    lines_processed INTEGER DEFAULT 0,
    parse_errors INTEGER DEFAULT 0,
    schema_errors INTEGER DEFAULT 0,
    trades_applied INTEGER DEFAULT 0,
    candles_generated INTEGER DEFAULT 0,
    integrity_errors INTEGER DEFAULT 0,
    output_key TEXT DEFAULT '',
    error TEXT DEFAULT '',
    duration_ms INTEGER DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_aggregation_runs_symbol
    ON aggregation_runs(symbol, started_at);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    total INTEGER DEFAULT 0,
    invalid INTEGER DEFAULT 0,
    gapped INTEGER DEFAULT 0,
    payload TEXT NOT NULL,
    checked_at INTEGER NOT NULL,
    PRIMARY KEY (symbol, timeframe, partition_key)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first schema; older DB files get them here.
	if err := ensureColumn(d.DB, "footprint_candles", "integrity_error", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "aggregation_runs", "quotes_seen", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "aggregation_runs", "trades_out_of_range", "INTEGER DEFAULT 0"); err != nil {
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
