// Package db stores footprint candles, aggregation run audits and reconciliation
// reports in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Statements shared with the batch writer.
const (
	DeleteCandlesByPartitionSQL = `
		DELETE FROM footprint_candles
		WHERE symbol = ? AND timeframe = ? AND partition_key = ?`

	InsertCandleSQL = `
		INSERT OR REPLACE INTO footprint_candles
			(symbol, timeframe, partition_key, t0, payload, integrity_error)
		VALUES (?, ?, ?, ?, ?, ?)`

	InsertAggregationRunSQL = `
		INSERT OR REPLACE INTO aggregation_runs (
			id, symbol, timeframe, partition_key, status,
			files_processed, lines_processed, parse_errors, schema_errors,
			quotes_seen, trades_applied, trades_out_of_range, candles_generated, integrity_errors,
			output_key, error, duration_ms, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// ----------------------------------------
// Candle Queries
// ----------------------------------------

// ListCandles returns the candles of a partition ordered by start time.
func (d *Database) ListCandles(ctx context.Context, symbol, timeframe, partitionKey string) ([]CandleRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, timeframe, partition_key, t0, payload, COALESCE(integrity_error, '')
		FROM footprint_candles
		WHERE symbol = ? AND timeframe = ? AND partition_key = ?
		ORDER BY t0 ASC
	`, symbol, timeframe, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []CandleRow
	for rows.Next() {
		var r CandleRow
		if err := rows.Scan(&r.Symbol, &r.Timeframe, &r.PartitionKey, &r.T0, &r.Payload, &r.IntegrityError); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplacePartition swaps the stored candles of a partition in one transaction.
func (d *Database) ReplacePartition(ctx context.Context, symbol, timeframe, partitionKey string, rows []CandleRow) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, DeleteCandlesByPartitionSQL, symbol, timeframe, partitionKey); err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, InsertCandleSQL, r.Args()...); err != nil {
			return fmt.Errorf("insert candle %d: %w", r.T0, err)
		}
	}
	return tx.Commit()
}

// CountIntegrityErrors returns how many stored candles of a symbol carry an integrity tag.
func (d *Database) CountIntegrityErrors(ctx context.Context, symbol, timeframe string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM footprint_candles
		WHERE symbol = ? AND timeframe = ? AND COALESCE(integrity_error, '') != ''
	`, symbol, timeframe).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count integrity errors: %w", err)
	}
	return n, nil
}

// ----------------------------------------
// Aggregation Run Queries
// ----------------------------------------

// InsertAggregationRun stores a run audit row.
func (d *Database) InsertAggregationRun(ctx context.Context, r AggregationRun) error {
	if _, err := d.DB.ExecContext(ctx, InsertAggregationRunSQL, r.Args()...); err != nil {
		return fmt.Errorf("insert aggregation run: %w", err)
	}
	return nil
}

// ListAggregationRuns returns the most recent runs, optionally for one symbol.
func (d *Database) ListAggregationRuns(ctx context.Context, symbol string, limit int) ([]AggregationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, timeframe, partition_key, status,
		       files_processed, lines_processed, parse_errors, schema_errors,
		       COALESCE(quotes_seen, 0), trades_applied, COALESCE(trades_out_of_range, 0),
		       candles_generated, integrity_errors,
		       COALESCE(output_key, ''), COALESCE(error, ''), duration_ms, started_at, finished_at
		FROM aggregation_runs
		WHERE (? = '' OR symbol = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query aggregation runs: %w", err)
	}
	defer rows.Close()

	var out []AggregationRun
	for rows.Next() {
		var (
			r                 AggregationRun
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Timeframe, &r.PartitionKey, &r.Status,
			&r.FilesProcessed, &r.LinesProcessed, &r.ParseErrors, &r.SchemaErrors,
			&r.QuotesSeen, &r.TradesApplied, &r.TradesOutOfRange,
			&r.CandlesGenerated, &r.IntegrityErrors,
			&r.OutputKey, &r.Error, &r.DurationMs, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan aggregation run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reconciliation Report Queries
// ----------------------------------------

// UpsertReconciliationReport stores the latest report of a partition.
func (d *Database) UpsertReconciliationReport(ctx context.Context, r ReconciliationReport) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_reports
			(symbol, timeframe, partition_key, total, invalid, gapped, payload, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, partition_key) DO UPDATE SET
			total = excluded.total,
			invalid = excluded.invalid,
			gapped = excluded.gapped,
			payload = excluded.payload,
			checked_at = excluded.checked_at
	`, r.Symbol, r.Timeframe, r.PartitionKey, r.Total, r.Invalid, r.Gapped, r.Payload, r.CheckedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert reconciliation report: %w", err)
	}
	return nil
}

// GetReconciliationReport returns the stored report of a partition.
func (d *Database) GetReconciliationReport(ctx context.Context, symbol, timeframe, partitionKey string) (*ReconciliationReport, error) {
	var (
		r       ReconciliationReport
		checked int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT symbol, timeframe, partition_key, total, invalid, gapped, payload, checked_at
		FROM reconciliation_reports
		WHERE symbol = ? AND timeframe = ? AND partition_key = ?
	`, symbol, timeframe, partitionKey).Scan(&r.Symbol, &r.Timeframe, &r.PartitionKey, &r.Total, &r.Invalid, &r.Gapped, &r.Payload, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reconciliation report: %w", err)
	}
	r.CheckedAt = time.UnixMilli(checked).UTC()
	return &r, nil
}
