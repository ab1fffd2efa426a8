package events

import "time"

// Event enumerates topics published inside the footprint core.
type Event string

const (
	EventJobStarted     Event = "job.started"
	EventJobCompleted   Event = "job.completed"
	EventJobFailed      Event = "job.failed"
	EventIntegrityAlert Event = "integrity.alert"
	EventRecorderStatus Event = "recorder.status"
)

// Job statuses carried by JobReport.
const (
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// JobReport is the payload of job lifecycle events.
type JobReport struct {
	JobID            string        `json:"job_id"`
	Symbol           string        `json:"symbol"`
	Timeframe        string        `json:"timeframe"`
	Partition        string        `json:"partition"`
	Status           string        `json:"status"`
	FilesProcessed   int           `json:"files_processed"`
	LinesProcessed   int           `json:"lines_processed"`
	ParseErrors      int           `json:"parse_errors"`
	SchemaErrors     int           `json:"schema_errors"`
	QuotesSeen       int           `json:"quotes_seen"`
	TradesApplied    int           `json:"trades_applied"`
	CandlesGenerated int           `json:"candles_generated"`
	IntegrityErrors  int           `json:"integrity_errors"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// IntegrityAlert is published once per candle tagged by the finalizer.
type IntegrityAlert struct {
	JobID     string    `json:"job_id"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Partition string    `json:"partition"`
	T0        time.Time `json:"t0"`
	Kind      string    `json:"kind"`
}

// RecorderStatus reports connection changes of the raw tape recorder.
type RecorderStatus struct {
	Symbol    string `json:"symbol"`
	Connected bool   `json:"connected"`
	Frames    int64  `json:"frames"`
	Error     string `json:"error,omitempty"`
}
