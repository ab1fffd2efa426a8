// Package app wires the footprint core from configuration. The service binary
// and the command-line tools share it so they agree on stores and sinks.
package app

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"footprint-core/internal/datalake"
	"footprint-core/internal/engine"
	"footprint-core/internal/events"
	"footprint-core/internal/instrument"
	"footprint-core/internal/persistence"
	"footprint-core/internal/reconciliation"
	"footprint-core/pkg/config"
	"footprint-core/pkg/db"
	"footprint-core/pkg/logger"
)

// Version is reported by the status endpoint; overridden at build time.
var Version = "v1.0-dev"

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Bus      *events.Bus
	Registry *instrument.Registry
	Files    *datalake.FileStore
	DB       *db.Database
	Writer   *persistence.BatchWriter
	Candles  *persistence.CandleStore
	Runner   *engine.Runner
	Pool     *engine.Pool
	Verifier *reconciliation.Verifier
	Service  *engine.Impl
}

// Build opens the stores and wires the engine according to cfg.
func Build(cfg *config.Config, log *zap.Logger, verify reconciliation.Options) (*App, error) {
	log = logger.OrNop(log)
	switch cfg.OutputBackend {
	case "", "file", "sqlite", "both":
	default:
		return nil, fmt.Errorf("unknown OUTPUT_BACKEND %q (want file, sqlite or both)", cfg.OutputBackend)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: log,
		Bus:    events.NewBus(),
		DB:     database,
		Files:  datalake.NewFileStore(cfg.DataDir, log),
	}
	a.Registry = instrument.NewRegistry(
		WithDefaultTimeframe(instrument.FileLoader(cfg.InstrumentsFile), cfg.DefaultTimeframe),
		cfg.InstrumentCacheTTL, nil, log)
	a.Writer = persistence.NewBatchWriter(database.DB, 100, time.Second, log)
	a.Candles = persistence.NewCandleStore(database, a.Writer, log)

	var sinks engine.MultiSink
	var reader reconciliation.Reader
	var sanity reconciliation.SanityWriter
	if cfg.WritesFiles() {
		sinks = append(sinks, a.Files)
		reader, sanity = a.Files, a.Files
	}
	if cfg.WritesSQLite() {
		sinks = append(sinks, a.Candles)
		if reader == nil {
			reader, sanity = a.Candles, a.Candles
		}
	}
	var sink engine.Sink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}

	a.Runner = engine.NewRunner(engine.RunnerConfig{
		Source:   a.Files,
		Sink:     sink,
		Resolver: a.Registry,
		Runs:     a.Candles,
		Bus:      a.Bus,
		Logger:   log,
	})
	a.Pool = engine.NewPool(a.Runner, cfg.Workers, log)
	a.Verifier = reconciliation.NewVerifier(reader, sanity, verify, log)
	a.Service = engine.NewImpl(engine.Config{
		Runner:   a.Runner,
		Pool:     a.Pool,
		Resolver: a.Registry,
		Symbols:  a.Registry.Symbols,
		Verifier: a.Verifier,
		Candles:  reader,
		Runs:     a.Candles,
		Bus:      a.Bus,
		Meta: engine.SystemStatus{
			Version:       Version,
			StartedAt:     time.Now(),
			OutputBackend: cfg.OutputBackend,
		},
	})
	return a, nil
}

// Close flushes pending audit rows and closes the database.
func (a *App) Close() error {
	return errors.Join(a.Writer.Close(), a.DB.Close())
}

// WithDefaultTimeframe fills in tf for instruments that name neither a bar
// width nor a timeframe.
func WithDefaultTimeframe(load instrument.Loader, tf string) instrument.Loader {
	if tf == "" {
		return load
	}
	return func() ([]config.Instrument, error) {
		insts, err := load()
		if err != nil {
			return nil, err
		}
		out := make([]config.Instrument, len(insts))
		for i, inst := range insts {
			if inst.BarMs <= 0 && inst.Timeframe == "" {
				inst.Timeframe = tf
			}
			out[i] = inst
		}
		return out, nil
	}
}
