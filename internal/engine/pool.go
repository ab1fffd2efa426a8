package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"footprint-core/internal/datalake"
	"footprint-core/pkg/logger"
)

// JobRunner runs a single job.
type JobRunner interface {
	Run(ctx context.Context, job Job) (Summary, error)
}

// Pool runs independent jobs in parallel with a bounded number of workers.
type Pool struct {
	runner  JobRunner
	workers int
	logger  *zap.Logger
}

// NewPool creates a pool. workers below one means one.
func NewPool(runner JobRunner, workers int, log *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{runner: runner, workers: workers, logger: logger.OrNop(log).Named("pool")}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// RunAll runs every job and returns their summaries in job order. A failing job
// does not stop the others; all failures are joined into the returned error.
func (p *Pool) RunAll(ctx context.Context, jobs []Job) ([]Summary, error) {
	summaries := make([]Summary, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, job := range jobs {
		if ctx.Err() != nil {
			errs[i] = fmt.Errorf("job %s %s: %w", job.Symbol, job.Partition.Path(), ctx.Err())
			continue
		}
		g.Go(func() error {
			sum, err := p.runner.Run(ctx, job)
			summaries[i] = sum
			if err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("jobs finished with errors", zap.Int("jobs", len(jobs)), zap.Error(err))
	}
	return summaries, err
}

// HourRange expands [from, to] into hourly partitions of symbol. Both ends are
// truncated to their UTC hour and included.
func HourRange(symbol string, from, to time.Time) ([]datalake.Partition, error) {
	first := datalake.NewPartition(symbol, from)
	last := datalake.NewPartition(symbol, to)
	if last.Hour.Before(first.Hour) {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}
	n := int(last.Hour.Sub(first.Hour)/time.Hour) + 1
	if n > MaxBackfillHours {
		return nil, fmt.Errorf("%w: %d hours exceeds %d", ErrInvalidRange, n, MaxBackfillHours)
	}
	out := make([]datalake.Partition, 0, n)
	for p := first; !p.Hour.After(last.Hour); p = p.Next() {
		out = append(out, p)
	}
	return out, nil
}

// Jobs builds one job per partition.
func Jobs(symbol, timeframe string, partitions []datalake.Partition) []Job {
	out := make([]Job, 0, len(partitions))
	for _, p := range partitions {
		out = append(out, Job{Symbol: symbol, Timeframe: timeframe, Partition: p})
	}
	return out
}
