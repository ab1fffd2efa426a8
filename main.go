package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"footprint-core/internal/api"
	"footprint-core/internal/app"
	"footprint-core/internal/datalake"
	"footprint-core/internal/monitor"
	"footprint-core/internal/reconciliation"
	"footprint-core/internal/tape"
	"footprint-core/pkg/config"
	"footprint-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("footprint core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if v := os.Getenv("APP_VERSION"); v != "" {
		app.Version = v
	}
	log.Info("starting footprint core",
		zap.String("version", app.Version),
		zap.String("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("db_path", cfg.DBPath),
		zap.String("output_backend", cfg.OutputBackend),
		zap.Int("workers", cfg.Workers),
	)

	a, err := app.Build(cfg, log, reconciliation.Options{WriteSanity: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close stores", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics and alerting
	metrics := monitor.NewMetrics()
	if err := metrics.RegisterGauge("bus", "dropped_total", "Event deliveries dropped because a subscriber was full.",
		func() float64 { return float64(a.Bus.Dropped()) }); err != nil {
		return fmt.Errorf("register bus gauge: %w", err)
	}
	if err := metrics.RegisterGauge("sqlite", "pending_writes", "Audit rows waiting for the next batch.",
		func() float64 { return float64(a.Writer.Pending()) }); err != nil {
		return fmt.Errorf("register writer gauge: %w", err)
	}
	mon := &monitor.Monitor{
		Bus:     a.Bus,
		Metrics: metrics,
		Sink:    monitor.LogSink{Logger: log},
		Rules:   monitor.DefaultRules(),
		Logger:  log,
	}
	mon.Start(ctx)

	for _, sym := range cfg.Symbols {
		if _, err := a.Registry.Resolve(sym); err != nil {
			log.Warn("configured symbol does not resolve", zap.String("symbol", sym), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableRecorder {
		if cfg.RecorderURL == "" {
			return errors.New("ENABLE_RECORDER is set but RECORDER_URL is empty")
		}
		spec, err := a.Registry.Resolve(cfg.RecorderSymbol)
		if err != nil {
			return fmt.Errorf("recorder symbol: %w", err)
		}
		feed := spec.Symbol
		if len(spec.Tape.Aliases) > 0 {
			feed = spec.Tape.Aliases[0]
		}
		raw := datalake.NewRawWriter(cfg.DataDir, spec.Symbol, log)
		rec := tape.NewRecorder(tape.RecorderConfig{
			URL:        cfg.RecorderURL,
			Token:      cfg.RecorderToken,
			Symbol:     spec.Symbol,
			FeedSymbol: feed,
		}, raw, a.Bus, log)
		g.Go(func() error {
			defer raw.Close()
			if err := rec.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if strings.ToLower(cfg.LogLevel) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(a.Service, a.Bus, metrics, api.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RequestTimeout: cfg.RequestTimeout,
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
