package main

// verify_footprint re-checks stored footprint candles and prints the
// reconciliation summary. It exits with status 1 when any candle is invalid.
//
// Usage (from the repository root):
//   go run ./scripts/verify_footprint -symbol ENQ -from 2025-12-19T13 -to 2025-12-19T20
//   go run ./scripts/verify_footprint -file ./data/lake/footprint/ENQ/1m/2025/12/19/13.jsonl

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
	"footprint-core/internal/engine"
	"footprint-core/internal/reconciliation"
	"footprint-core/pkg/config"
	"footprint-core/pkg/logger"
)

func main() {
	symbol := flag.String("symbol", "ENQ", "instrument symbol or alias")
	from := flag.String("from", "", "first hour, e.g. 2025-12-19T13")
	to := flag.String("to", "", "last hour, inclusive (defaults to -from)")
	tf := flag.String("tf", "", "timeframe (defaults to the instrument's)")
	file := flag.String("file", "", "verify a single NDJSON file instead of stored partitions")
	sanity := flag.Bool("sanity", false, "store a sanity report next to each partition")
	verbose := flag.Bool("v", false, "print every invalid candle")
	flag.Parse()

	os.Exit(run(options{
		symbol: *symbol, from: *from, to: *to, tf: *tf,
		file: *file, sanity: *sanity, verbose: *verbose,
	}))
}

type options struct {
	symbol, from, to, tf, file string
	sanity, verbose            bool
}

func run(opts options) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	var rep reconciliation.Report
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			log.Error("read file", zap.Error(err))
			return 2
		}
		v := reconciliation.NewVerifier(nil, nil, reconciliation.Options{}, log)
		rep = v.Verify(data, opts.file)
	} else {
		if rep, err = verifyStored(cfg, log, opts); err != nil {
			log.Error("verify", zap.Error(err))
			return 2
		}
	}

	printReport(rep, opts.verbose)
	if !rep.OK() {
		return 1
	}
	return 0
}

func verifyStored(cfg *config.Config, log *zap.Logger, opts options) (reconciliation.Report, error) {
	if opts.from == "" {
		return reconciliation.Report{}, fmt.Errorf("-from or -file is required")
	}
	if opts.to == "" {
		opts.to = opts.from
	}
	from, err := datalake.ParseHour(opts.from)
	if err != nil {
		return reconciliation.Report{}, err
	}
	to, err := datalake.ParseHour(opts.to)
	if err != nil {
		return reconciliation.Report{}, err
	}

	a, err := app.Build(cfg, log, reconciliation.Options{WriteSanity: opts.sanity})
	if err != nil {
		return reconciliation.Report{}, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close stores", zap.Error(err))
		}
	}()

	spec, err := a.Registry.Resolve(opts.symbol)
	if err != nil {
		return reconciliation.Report{}, err
	}
	if spec, err = spec.WithTimeframe(opts.tf); err != nil {
		return reconciliation.Report{}, err
	}
	parts, err := engine.HourRange(spec.Symbol, from, to)
	if err != nil {
		return reconciliation.Report{}, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Verifier.VerifyRange(ctx, parts, spec.Timeframe)
}

func printReport(rep reconciliation.Report, verbose bool) {
	s := rep.Summary
	fmt.Printf("partitions: %d (%d empty)\n", s.Partitions, s.EmptyPartitions)
	fmt.Printf("candles:    %d total, %d valid, %d invalid (%d unparsable, %d reported)\n",
		s.Total, s.Valid, s.Invalid, s.Unparsable, s.ReportedErrors)
	fmt.Printf("ladders:    %d continuous, %d gapped, %d gaps\n", s.Continuous, s.Gapped, s.Gaps)

	if verbose && len(rep.Issues) > 0 {
		enc := json.NewEncoder(os.Stdout)
		for _, is := range rep.Issues {
			_ = enc.Encode(is)
		}
	}
	if rep.OK() {
		fmt.Println("OK")
	} else {
		fmt.Println("FAILED")
	}
}
