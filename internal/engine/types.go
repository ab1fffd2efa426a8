package engine

import (
	"errors"
	"fmt"
	"time"

	"footprint-core/internal/datalake"
)

// ErrInvalidRange is returned for backfill windows that are empty or too long.
var ErrInvalidRange = errors.New("invalid hour range")

// MaxBackfillHours bounds a single backfill request.
const MaxBackfillHours = 24 * 31

// Job identifies one unit of aggregation work: a symbol, a timeframe and one
// UTC hour of raw tape.
type Job struct {
	ID        string
	Symbol    string
	Timeframe string
	Partition datalake.Partition
}

// Summary is the outcome of one job.
type Summary struct {
	JobID               string        `json:"job_id"`
	Symbol              string        `json:"symbol"`
	Timeframe           string        `json:"timeframe"`
	Partition           string        `json:"partition"`
	FilesProcessed      int           `json:"files_processed"`
	LinesProcessed      int           `json:"lines_processed"`
	DuplicateLines      int           `json:"duplicate_lines"`
	ParseErrors         int           `json:"parse_errors"`
	SchemaErrors        int           `json:"schema_errors"`
	QuotesSeen          int           `json:"quotes_seen"`
	TradesApplied       int           `json:"trades_applied"`
	TradesOutOfRange    int           `json:"trades_out_of_range"`
	CandlesGenerated    int           `json:"candles_generated"`
	IntegrityErrorCount int           `json:"integrity_error_count"`
	OutputKey           string        `json:"output_key,omitempty"`
	Duration            time.Duration `json:"duration_ns"`
}

// PersistError reports a sink failure together with the job that produced the candles.
type PersistError struct {
	Job Job
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s %s %s: %v", e.Job.Symbol, e.Job.Timeframe, e.Job.Partition.Path(), e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// SystemStatus describes the running service.
type SystemStatus struct {
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
	Symbols       []string  `json:"symbols"`
	Workers       int       `json:"workers"`
	OutputBackend string    `json:"output_backend"`
	BusDropped    uint64    `json:"bus_dropped"`
}
