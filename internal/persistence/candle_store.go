package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"footprint-core/internal/datalake"
	"footprint-core/internal/footprint"
	"footprint-core/pkg/db"
	"footprint-core/pkg/logger"
)

// CandleStore keeps footprint output, run audits and sanity reports in SQLite.
type CandleStore struct {
	db     *db.Database
	writer *BatchWriter
	logger *zap.Logger
}

// NewCandleStore wires a store over database. Audit rows go through writer.
func NewCandleStore(database *db.Database, writer *BatchWriter, log *zap.Logger) *CandleStore {
	return &CandleStore{db: database, writer: writer, logger: logger.OrNop(log).Named("candle_store")}
}

// StorageKey identifies a partition inside the SQLite store.
func StorageKey(p datalake.Partition, timeframe string) string {
	return "sqlite:footprint_candles/" + p.Symbol + "/" + timeframe + "/" + p.Path()
}

// Persist replaces the stored candles of a partition atomically.
func (s *CandleStore) Persist(ctx context.Context, p datalake.Partition, timeframe string, candles []footprint.Candle) (string, error) {
	ops := make([]WriteOp, 0, len(candles)+1)
	ops = append(ops, WriteOp{
		Table: "footprint_candles",
		Query: db.DeleteCandlesByPartitionSQL,
		Args:  []any{p.Symbol, timeframe, p.Path()},
	})
	for _, c := range candles {
		payload, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("encode candle %d: %w", c.Start, err)
		}
		row := db.CandleRow{
			Symbol:         p.Symbol,
			Timeframe:      timeframe,
			PartitionKey:   p.Path(),
			T0:             c.Start,
			Payload:        string(payload),
			IntegrityError: c.IntegrityError,
		}
		ops = append(ops, WriteOp{Table: "footprint_candles", Query: db.InsertCandleSQL, Args: row.Args()})
	}
	if err := s.writer.Commit(ctx, ops); err != nil {
		return "", fmt.Errorf("replace %s: %w", p.Key(), err)
	}
	return StorageKey(p, timeframe), nil
}

// ReadCandles returns the stored candles of a partition as NDJSON.
func (s *CandleStore) ReadCandles(ctx context.Context, p datalake.Partition, timeframe string) ([]byte, error) {
	rows, err := s.db.ListCandles(ctx, p.Symbol, timeframe, p.Path())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", StorageKey(p, timeframe), datalake.ErrNotFound)
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.Payload)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

type sanitySummary struct {
	CheckedAt time.Time `json:"checked_at"`
	Summary   struct {
		Total   int `json:"total"`
		Invalid int `json:"invalid"`
		Gapped  int `json:"gapped"`
	} `json:"summary"`
}

// WriteSanity stores a reconciliation report row for the partition.
func (s *CandleStore) WriteSanity(ctx context.Context, p datalake.Partition, timeframe string, payload []byte) error {
	var sum sanitySummary
	if err := json.Unmarshal(payload, &sum); err != nil {
		return fmt.Errorf("decode sanity report: %w", err)
	}
	if sum.CheckedAt.IsZero() {
		sum.CheckedAt = time.Now().UTC()
	}
	return s.db.UpsertReconciliationReport(ctx, db.ReconciliationReport{
		Symbol:       p.Symbol,
		Timeframe:    timeframe,
		PartitionKey: p.Path(),
		Total:        sum.Summary.Total,
		Invalid:      sum.Summary.Invalid,
		Gapped:       sum.Summary.Gapped,
		Payload:      string(payload),
		CheckedAt:    sum.CheckedAt,
	})
}

// RecordRun queues an aggregation audit row; it is flushed in the background.
func (s *CandleStore) RecordRun(run db.AggregationRun) {
	s.writer.Write(WriteOp{Table: "aggregation_runs", Query: db.InsertAggregationRunSQL, Args: run.Args()})
}

// ListRuns returns recent aggregation runs, including ones still buffered.
func (s *CandleStore) ListRuns(ctx context.Context, symbol string, limit int) ([]db.AggregationRun, error) {
	if err := s.writer.Flush(); err != nil {
		s.logger.Warn("flush before listing runs", zap.Error(err))
	}
	return s.db.ListAggregationRuns(ctx, symbol, limit)
}
