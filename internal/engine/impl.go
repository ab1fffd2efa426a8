package engine

import (
	"context"
	"fmt"
	"time"

	"footprint-core/internal/datalake"
	"footprint-core/internal/events"
	"footprint-core/internal/reconciliation"
	"footprint-core/pkg/db"
)

// Impl implements the Service interface by composing the runner, the pool,
// the verifier and the stores.
type Impl struct {
	runner   *Runner
	pool     *Pool
	resolver Resolver
	symbols  func() ([]string, error)
	verifier *reconciliation.Verifier
	candles  reconciliation.Reader
	runs     RunLister
	bus      *events.Bus
	meta     SystemStatus
	now      func() time.Time
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Runner   *Runner
	Pool     *Pool
	Resolver Resolver
	Symbols  func() ([]string, error)
	Verifier *reconciliation.Verifier
	Candles  reconciliation.Reader
	Runs     RunLister
	Bus      *events.Bus
	Meta     SystemStatus
	Now      func() time.Time
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Impl{
		runner:   cfg.Runner,
		pool:     cfg.Pool,
		resolver: cfg.Resolver,
		symbols:  cfg.Symbols,
		verifier: cfg.Verifier,
		candles:  cfg.Candles,
		runs:     cfg.Runs,
		bus:      cfg.Bus,
		meta:     cfg.Meta,
		now:      now,
	}
}

// --- Aggregation ---

func (e *Impl) Aggregate(ctx context.Context, symbol, timeframe string, hour time.Time) (Summary, error) {
	if e.runner == nil {
		return Summary{}, fmt.Errorf("runner not available")
	}
	return e.runner.Run(ctx, Job{Symbol: symbol, Timeframe: timeframe, Partition: datalake.NewPartition(symbol, hour)})
}

func (e *Impl) Backfill(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Summary, error) {
	if e.pool == nil {
		return nil, fmt.Errorf("worker pool not available")
	}
	sym, tf, err := e.canonical(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	parts, err := HourRange(sym, from, to)
	if err != nil {
		return nil, err
	}
	return e.pool.RunAll(ctx, Jobs(sym, tf, parts))
}

// --- Stored output ---

func (e *Impl) Candles(ctx context.Context, symbol, timeframe string, p datalake.Partition) ([]byte, error) {
	if e.candles == nil {
		return nil, fmt.Errorf("candle store not available")
	}
	sym, tf, err := e.canonical(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return e.candles.ReadCandles(ctx, datalake.NewPartition(sym, p.Hour), tf)
}

func (e *Impl) Verify(ctx context.Context, symbol, timeframe string, p datalake.Partition) (reconciliation.Report, error) {
	if e.verifier == nil {
		return reconciliation.Report{}, fmt.Errorf("verifier not available")
	}
	sym, tf, err := e.canonical(symbol, timeframe)
	if err != nil {
		return reconciliation.Report{}, err
	}
	return e.verifier.VerifyPartition(ctx, datalake.NewPartition(sym, p.Hour), tf)
}

func (e *Impl) canonical(symbol, timeframe string) (string, string, error) {
	if e.resolver == nil {
		return symbol, timeframe, nil
	}
	spec, err := e.resolver.Resolve(symbol)
	if err != nil {
		return "", "", err
	}
	if spec, err = spec.WithTimeframe(timeframe); err != nil {
		return "", "", err
	}
	return spec.Symbol, spec.Timeframe, nil
}

// --- Audit ---

func (e *Impl) ListRuns(ctx context.Context, symbol string, limit int) ([]db.AggregationRun, error) {
	if e.runs == nil {
		return nil, fmt.Errorf("run log not available")
	}
	if symbol != "" {
		sym, _, err := e.canonical(symbol, "")
		if err != nil {
			return nil, err
		}
		symbol = sym
	}
	return e.runs.ListRuns(ctx, symbol, limit)
}

// --- System ---

func (e *Impl) Status(ctx context.Context) *SystemStatus {
	st := e.meta
	st.Uptime = e.now().Sub(st.StartedAt).Truncate(time.Second).String()
	if e.pool != nil {
		st.Workers = e.pool.Workers()
	}
	if e.symbols != nil {
		if syms, err := e.symbols(); err == nil {
			st.Symbols = syms
		}
	}
	st.BusDropped = e.bus.Dropped()
	return &st
}
