package main

// backfill aggregates a range of hours for one symbol and prints one JSON
// summary per hour.
//
// Usage (from the repository root):
//   go run ./scripts/backfill -symbol ENQ -from 2025-12-19T13 -to 2025-12-19T20
//
// Storage settings (DATA_DIR, DB_PATH, OUTPUT_BACKEND, INSTRUMENTS_FILE) come
// from the environment or .env, as for the service.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"footprint-core/internal/app"
	"footprint-core/internal/datalake"
	"footprint-core/internal/reconciliation"
	"footprint-core/pkg/config"
	"footprint-core/pkg/logger"
)

func main() {
	symbol := flag.String("symbol", "ENQ", "instrument symbol or alias")
	from := flag.String("from", "", "first hour, e.g. 2025-12-19T13 (required)")
	to := flag.String("to", "", "last hour, inclusive (defaults to -from)")
	tf := flag.String("tf", "", "timeframe override, e.g. 5m")
	workers := flag.Int("workers", 0, "parallel jobs (defaults to WORKERS)")
	flag.Parse()

	os.Exit(run(*symbol, *from, *to, *tf, *workers))
}

func run(symbol, fromArg, toArg, tf string, workers int) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	if fromArg == "" {
		fmt.Fprintln(os.Stderr, "-from is required")
		flag.Usage()
		return 2
	}
	if toArg == "" {
		toArg = fromArg
	}
	from, err := datalake.ParseHour(fromArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	to, err := datalake.ParseHour(toArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	a, err := app.Build(cfg, log, reconciliation.Options{})
	if err != nil {
		log.Error("build", zap.Error(err))
		return 2
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close stores", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sums, runErr := a.Service.Backfill(ctx, symbol, tf, from, to)
	enc := json.NewEncoder(os.Stdout)
	for _, s := range sums {
		if s.JobID == "" {
			continue
		}
		if err := enc.Encode(s); err != nil {
			log.Error("write summary", zap.Error(err))
			return 1
		}
	}
	if runErr != nil {
		log.Error("backfill finished with errors", zap.Error(runErr))
		return 1
	}
	log.Info("backfill complete", zap.Int("hours", len(sums)))
	return 0
}
