// Package engine runs aggregation jobs over the data lake and exposes the
// operations the API layer is allowed to trigger.
package engine

import (
	"context"
	"io"
	"strings"
	"time"

	"footprint-core/internal/datalake"
	"footprint-core/internal/footprint"
	"footprint-core/internal/instrument"
	"footprint-core/internal/reconciliation"
	"footprint-core/pkg/db"
)

// Service defines the operations of the footprint engine.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Aggregation
	Aggregate(ctx context.Context, symbol, timeframe string, hour time.Time) (Summary, error)
	Backfill(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Summary, error)

	// Stored output
	Candles(ctx context.Context, symbol, timeframe string, p datalake.Partition) ([]byte, error)
	Verify(ctx context.Context, symbol, timeframe string, p datalake.Partition) (reconciliation.Report, error)

	// Audit
	ListRuns(ctx context.Context, symbol string, limit int) ([]db.AggregationRun, error)

	// System
	Status(ctx context.Context) *SystemStatus
}

// Source lists and opens the raw tape of a partition.
type Source interface {
	ListRaw(ctx context.Context, p datalake.Partition) ([]datalake.RawObject, error)
	OpenRaw(ctx context.Context, key string) (io.ReadCloser, error)
}

// Sink stores the finalized candles of a partition, replacing earlier output.
type Sink interface {
	Persist(ctx context.Context, p datalake.Partition, timeframe string, candles []footprint.Candle) (string, error)
}

// MultiSink writes to every sink in order and stops at the first failure.
type MultiSink []Sink

// Persist implements Sink. The returned key lists the keys of all sinks.
func (m MultiSink) Persist(ctx context.Context, p datalake.Partition, timeframe string, candles []footprint.Candle) (string, error) {
	keys := make([]string, 0, len(m))
	for _, s := range m {
		key, err := s.Persist(ctx, p, timeframe, candles)
		if err != nil {
			return strings.Join(keys, ","), err
		}
		keys = append(keys, key)
	}
	return strings.Join(keys, ","), nil
}

// Resolver maps a symbol to its instrument settings.
type Resolver interface {
	Resolve(symbol string) (instrument.Spec, error)
}

// RunRecorder keeps the audit trail of aggregation jobs.
type RunRecorder interface {
	RecordRun(run db.AggregationRun)
}

// RunLister reads the audit trail back.
type RunLister interface {
	ListRuns(ctx context.Context, symbol string, limit int) ([]db.AggregationRun, error)
}
