package db

import (
	"time"
)

// CandleRow is one stored footprint candle. Payload is the candle's JSON record.
type CandleRow struct {
	Symbol         string
	Timeframe      string
	PartitionKey   string
	T0             int64
	Payload        string
	IntegrityError string
}

// Args returns the bind arguments of InsertCandleSQL.
func (r CandleRow) Args() []any {
	return []any{r.Symbol, r.Timeframe, r.PartitionKey, r.T0, r.Payload, r.IntegrityError}
}

// Aggregation run statuses.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// AggregationRun is the audit row of one aggregation job.
type AggregationRun struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Timeframe        string    `json:"timeframe"`
	PartitionKey     string    `json:"partition"`
	Status           string    `json:"status"`
	FilesProcessed   int       `json:"files_processed"`
	LinesProcessed   int       `json:"lines_processed"`
	ParseErrors      int       `json:"parse_errors"`
	SchemaErrors     int       `json:"schema_errors"`
	QuotesSeen       int       `json:"quotes_seen"`
	TradesApplied    int       `json:"trades_applied"`
	TradesOutOfRange int       `json:"trades_out_of_range"`
	CandlesGenerated int       `json:"candles_generated"`
	IntegrityErrors  int       `json:"integrity_errors"`
	OutputKey        string    `json:"output_key"`
	Error            string    `json:"error,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Args returns the bind arguments of InsertAggregationRunSQL.
func (r AggregationRun) Args() []any {
	return []any{
		r.ID, r.Symbol, r.Timeframe, r.PartitionKey, r.Status,
		r.FilesProcessed, r.LinesProcessed, r.ParseErrors, r.SchemaErrors,
		r.QuotesSeen, r.TradesApplied, r.TradesOutOfRange, r.CandlesGenerated, r.IntegrityErrors,
		r.OutputKey, r.Error, r.DurationMs,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
	}
}

// ReconciliationReport is the stored sanity report of one partition.
type ReconciliationReport struct {
	Symbol       string
	Timeframe    string
	PartitionKey string
	Total        int
	Invalid      int
	Gapped       int
	Payload      string
	CheckedAt    time.Time
}
