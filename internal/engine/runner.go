package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"footprint-core/internal/datalake"
	"footprint-core/internal/events"
	"footprint-core/internal/footprint"
	"footprint-core/internal/tape"
	"footprint-core/pkg/db"
	"footprint-core/pkg/logger"
)

// RunnerConfig holds the collaborators of a Runner. Runs and Bus are optional.
type RunnerConfig struct {
	Source   Source
	Sink     Sink
	Resolver Resolver
	Runs     RunRecorder
	Bus      *events.Bus
	Logger   *zap.Logger
	Now      func() time.Time
}

// Runner executes aggregation jobs. Each call to Run owns its decoder and
// accumulator, so one Runner may serve many jobs concurrently.
type Runner struct {
	source   Source
	sink     Sink
	resolver Resolver
	runs     RunRecorder
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		source:   cfg.Source,
		sink:     cfg.Sink,
		resolver: cfg.Resolver,
		runs:     cfg.Runs,
		bus:      cfg.Bus,
		logger:   logger.OrNop(cfg.Logger).Named("engine"),
		now:      now,
	}
}

// Run aggregates one partition and persists the resulting candles.
//
// Decoding problems never fail a job; they are counted in the summary. A
// partition without raw data succeeds with zero candles and writes nothing.
// Cancellation aborts the job before anything is persisted. Sink failures are
// returned as *PersistError.
func (r *Runner) Run(ctx context.Context, job Job) (Summary, error) {
	started := r.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	sum := Summary{JobID: job.ID, Symbol: job.Symbol, Timeframe: job.Timeframe, Partition: job.Partition.Path()}

	spec, err := r.resolver.Resolve(job.Symbol)
	if err == nil {
		spec, err = spec.WithTimeframe(job.Timeframe)
	}
	if err != nil {
		return r.finish(job, sum, started, nil, fmt.Errorf("resolve %s: %w", job.Symbol, err))
	}
	job.Symbol = spec.Symbol
	job.Timeframe = spec.Timeframe
	job.Partition = datalake.NewPartition(spec.Symbol, job.Partition.Hour)
	sum.Symbol, sum.Timeframe = job.Symbol, job.Timeframe

	log := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("symbol", job.Symbol),
		zap.String("timeframe", job.Timeframe),
		zap.String("partition", job.Partition.Path()),
	)
	r.bus.Publish(events.EventJobStarted, report(sum, events.JobStatusRunning, nil))
	log.Debug("job started")

	objects, err := r.source.ListRaw(ctx, job.Partition)
	if err != nil && !errors.Is(err, datalake.ErrNotFound) {
		return r.finish(job, sum, started, log, fmt.Errorf("list raw: %w", err))
	}

	acc := footprint.NewAccumulator(spec.Footprint)
	dec := tape.NewDecoder(spec.Tape)
	dedup := newLineSet()
	var stats tape.Stats

	for i, obj := range objects {
		if err := ctx.Err(); err != nil {
			return r.finish(job, sum, started, log, err)
		}
		st, err := r.scanObject(ctx, dec, obj, dedup.filter(i), func(ev tape.Event) error {
			if ev.Kind == tape.KindTrade && !job.Partition.Contains(ev.Trade.TimestampMillis) {
				sum.TradesOutOfRange++
				return nil
			}
			acc.Apply(ev)
			return nil
		})
		stats.Add(st)
		if errors.Is(err, datalake.ErrNotFound) {
			log.Warn("raw object vanished", zap.String("key", obj.Key))
			continue
		}
		if err != nil {
			sum = withStats(sum, stats)
			return r.finish(job, sum, started, log, err)
		}
		sum.FilesProcessed++
	}
	sum = withStats(sum, stats)

	candles := acc.FinalizeAll()
	counters := acc.Counters()
	sum.QuotesSeen = counters.Quotes
	sum.TradesApplied = counters.Trades
	sum.CandlesGenerated = len(candles)
	for _, c := range candles {
		if c.IntegrityError != "" {
			sum.IntegrityErrorCount++
		}
	}

	if err := ctx.Err(); err != nil {
		return r.finish(job, sum, started, log, err)
	}
	if len(candles) > 0 {
		key, err := r.sink.Persist(ctx, job.Partition, job.Timeframe, candles)
		if err != nil {
			return r.finish(job, sum, started, log, &PersistError{Job: job, Err: err})
		}
		sum.OutputKey = key
	}

	for _, c := range candles {
		if c.IntegrityError == "" {
			continue
		}
		log.Warn("candle failed integrity check", zap.Time("t0", c.StartTime()), zap.String("kind", c.IntegrityError))
		r.bus.Publish(events.EventIntegrityAlert, events.IntegrityAlert{
			JobID:     job.ID,
			Symbol:    job.Symbol,
			Timeframe: job.Timeframe,
			Partition: job.Partition.Path(),
			T0:        c.StartTime(),
			Kind:      c.IntegrityError,
		})
	}
	return r.finish(job, sum, started, log, nil)
}

func (r *Runner) scanObject(ctx context.Context, dec *tape.Decoder, obj datalake.RawObject, keep tape.LineFilter, fn func(tape.Event) error) (tape.Stats, error) {
	rc, err := r.source.OpenRaw(ctx, obj.Key)
	if err != nil {
		return tape.Stats{}, err
	}
	defer rc.Close()
	st, err := dec.ScanFiltered(ctx, rc, keep, fn)
	if err != nil && ctx.Err() == nil {
		err = fmt.Errorf("scan %s: %w", obj.Key, err)
	}
	return st, err
}

func withStats(sum Summary, st tape.Stats) Summary {
	sum.LinesProcessed = st.Lines
	sum.DuplicateLines = st.Duplicates
	sum.ParseErrors = st.ParseErrors
	sum.SchemaErrors = st.SchemaErrors
	return sum
}

func (r *Runner) finish(job Job, sum Summary, started time.Time, log *zap.Logger, err error) (Summary, error) {
	finished := r.now()
	sum.Duration = finished.Sub(started)
	if log == nil {
		log = r.logger.With(zap.String("job_id", job.ID), zap.String("symbol", job.Symbol))
	}

	status := events.JobStatusSucceeded
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = events.JobStatusCancelled
	default:
		status = events.JobStatusFailed
	}

	if r.runs != nil {
		run := db.AggregationRun{
			ID:               job.ID,
			Symbol:           sum.Symbol,
			Timeframe:        sum.Timeframe,
			PartitionKey:     sum.Partition,
			Status:           status,
			FilesProcessed:   sum.FilesProcessed,
			LinesProcessed:   sum.LinesProcessed,
			ParseErrors:      sum.ParseErrors,
			SchemaErrors:     sum.SchemaErrors,
			QuotesSeen:       sum.QuotesSeen,
			TradesApplied:    sum.TradesApplied,
			TradesOutOfRange: sum.TradesOutOfRange,
			CandlesGenerated: sum.CandlesGenerated,
			IntegrityErrors:  sum.IntegrityErrorCount,
			OutputKey:        sum.OutputKey,
			DurationMs:       sum.Duration.Milliseconds(),
			StartedAt:        started,
			FinishedAt:       finished,
		}
		if err != nil {
			run.Error = err.Error()
		}
		r.runs.RecordRun(run)
	}

	if err != nil {
		log.Error("job failed", zap.String("status", status), zap.Error(err), zap.Duration("duration", sum.Duration))
		r.bus.Publish(events.EventJobFailed, report(sum, status, err))
		return sum, err
	}
	log.Info("job completed",
		zap.Int("files", sum.FilesProcessed),
		zap.Int("lines", sum.LinesProcessed),
		zap.Int("parse_errors", sum.ParseErrors),
		zap.Int("schema_errors", sum.SchemaErrors),
		zap.Int("trades", sum.TradesApplied),
		zap.Int("candles", sum.CandlesGenerated),
		zap.Int("integrity_errors", sum.IntegrityErrorCount),
		zap.Duration("duration", sum.Duration),
	)
	r.bus.Publish(events.EventJobCompleted, report(sum, status, nil))
	return sum, nil
}

func report(sum Summary, status string, err error) events.JobReport {
	rep := events.JobReport{
		JobID:            sum.JobID,
		Symbol:           sum.Symbol,
		Timeframe:        sum.Timeframe,
		Partition:        sum.Partition,
		Status:           status,
		FilesProcessed:   sum.FilesProcessed,
		LinesProcessed:   sum.LinesProcessed,
		ParseErrors:      sum.ParseErrors,
		SchemaErrors:     sum.SchemaErrors,
		QuotesSeen:       sum.QuotesSeen,
		TradesApplied:    sum.TradesApplied,
		CandlesGenerated: sum.CandlesGenerated,
		IntegrityErrors:  sum.IntegrityErrorCount,
		Duration:         sum.Duration,
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

// lineSet drops raw lines already read from another object of the same
// partition. The primary and backup capture trees overlap when both recorders
// were running; repeats inside one object are genuine and kept.
type lineSet struct {
	seen map[uint64]int
}

func newLineSet() *lineSet {
	return &lineSet{seen: make(map[uint64]int)}
}

func (s *lineSet) filter(object int) tape.LineFilter {
	return func(line []byte) bool {
		h := xxhash.Sum64(trimEOL(line))
		if first, ok := s.seen[h]; ok {
			return first == object
		}
		s.seen[h] = object
		return true
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
