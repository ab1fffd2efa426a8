package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"footprint-core/internal/events"
	"footprint-core/internal/reconciliation"
)

const namespace = "footprint"

// Metrics holds the Prometheus collectors of the service on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	LinesProcessed  *prometheus.CounterVec
	ParseErrors     *prometheus.CounterVec
	SchemaErrors    *prometheus.CounterVec
	TradesApplied   *prometheus.CounterVec
	CandlesEmitted  *prometheus.CounterVec
	IntegrityErrors *prometheus.CounterVec
	Jobs            *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	VerifiedCandles *prometheus.CounterVec
	LadderGaps      *prometheus.CounterVec
	RecorderFrames  *prometheus.GaugeVec
	RecorderUp      *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors, plus the Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		LinesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decoder", Name: "lines_total",
			Help: "Raw lines read by aggregation jobs.",
		}, []string{"symbol"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decoder", Name: "parse_errors_total",
			Help: "Lines or sub-messages that were not valid JSON.",
		}, []string{"symbol"}),
		SchemaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decoder", Name: "schema_errors_total",
			Help: "Trades skipped for missing or invalid fields.",
		}, []string{"symbol"}),
		TradesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "trades_total",
			Help: "Trades accumulated into candles.",
		}, []string{"symbol"}),
		CandlesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "candles_total",
			Help: "Candles finalized.",
		}, []string{"symbol", "timeframe"}),
		IntegrityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "integrity_errors_total",
			Help: "Candles tagged with an integrity error.",
		}, []string{"symbol", "kind"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "jobs_total",
			Help: "Aggregation jobs by outcome.",
		}, []string{"symbol", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "job_duration_seconds",
			Help:    "Wall time of aggregation jobs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"symbol"}),
		VerifiedCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciliation", Name: "candles_total",
			Help: "Stored candles checked by the verifier.",
		}, []string{"symbol", "result"}),
		LadderGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciliation", Name: "ladder_gaps_total",
			Help: "Adjacent ladder levels not one tick apart.",
		}, []string{"symbol"}),
		RecorderFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "frames",
			Help: "Frames captured by the raw tape recorder since start.",
		}, []string{"symbol"}),
		RecorderUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "connected",
			Help: "1 while the recorder websocket is connected.",
		}, []string{"symbol"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LinesProcessed, m.ParseErrors, m.SchemaErrors, m.TradesApplied,
		m.CandlesEmitted, m.IntegrityErrors, m.Jobs, m.JobDuration,
		m.VerifiedCandles, m.LadderGaps, m.RecorderFrames, m.RecorderUp,
	)
	return m
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGauge exposes a value read on every scrape.
func (m *Metrics) RegisterGauge(subsystem, name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

// ObserveJob records a finished aggregation job.
func (m *Metrics) ObserveJob(r events.JobReport) {
	m.Jobs.WithLabelValues(r.Symbol, r.Status).Inc()
	m.JobDuration.WithLabelValues(r.Symbol).Observe(r.Duration.Seconds())
	m.LinesProcessed.WithLabelValues(r.Symbol).Add(float64(r.LinesProcessed))
	m.ParseErrors.WithLabelValues(r.Symbol).Add(float64(r.ParseErrors))
	m.SchemaErrors.WithLabelValues(r.Symbol).Add(float64(r.SchemaErrors))
	m.TradesApplied.WithLabelValues(r.Symbol).Add(float64(r.TradesApplied))
	m.CandlesEmitted.WithLabelValues(r.Symbol, r.Timeframe).Add(float64(r.CandlesGenerated))
}

// ObserveIntegrity records one tagged candle.
func (m *Metrics) ObserveIntegrity(a events.IntegrityAlert) {
	m.IntegrityErrors.WithLabelValues(a.Symbol, a.Kind).Inc()
}

// ObserveVerification records a verifier pass.
func (m *Metrics) ObserveVerification(rep reconciliation.Report) {
	m.VerifiedCandles.WithLabelValues(rep.Symbol, "valid").Add(float64(rep.Summary.Valid))
	m.VerifiedCandles.WithLabelValues(rep.Symbol, "invalid").Add(float64(rep.Summary.Invalid))
	m.LadderGaps.WithLabelValues(rep.Symbol).Add(float64(rep.Summary.Gaps))
}

// ObserveRecorder records a recorder status change.
func (m *Metrics) ObserveRecorder(s events.RecorderStatus) {
	up := 0.0
	if s.Connected {
		up = 1
	}
	m.RecorderUp.WithLabelValues(s.Symbol).Set(up)
	m.RecorderFrames.WithLabelValues(s.Symbol).Set(float64(s.Frames))
}
