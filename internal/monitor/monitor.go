package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"footprint-core/internal/events"
	"footprint-core/pkg/logger"
)

// Monitor turns bus events into metrics and alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Rules   []Rule
	Logger  *zap.Logger
}

// Start subscribes to the bus and processes events until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	log := logger.OrNop(m.Logger).Named("monitor")
	if m.Bus == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}

	done, unsubDone := m.Bus.Subscribe(events.EventJobCompleted, 256)
	failed, unsubFailed := m.Bus.Subscribe(events.EventJobFailed, 256)
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventIntegrityAlert, 1024)
	recorder, unsubRecorder := m.Bus.Subscribe(events.EventRecorderStatus, 16)

	go func() {
		defer unsubDone()
		defer unsubFailed()
		defer unsubAlerts()
		defer unsubRecorder()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-done:
				if !ok {
					return
				}
				m.handleJob(log, msg)
			case msg, ok := <-failed:
				if !ok {
					return
				}
				m.handleJob(log, msg)
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if a, isAlert := msg.(events.IntegrityAlert); isAlert {
					if m.Metrics != nil {
						m.Metrics.ObserveIntegrity(a)
					}
					m.send(log, fmt.Sprintf("integrity %s on %s %s candle %s (job %s)",
						a.Kind, a.Symbol, a.Timeframe, a.T0.Format(time.RFC3339), a.JobID))
				}
			case msg, ok := <-recorder:
				if !ok {
					return
				}
				if s, isStatus := msg.(events.RecorderStatus); isStatus && m.Metrics != nil {
					m.Metrics.ObserveRecorder(s)
				}
			}
		}
	}()
	log.Info("monitor started")
}

func (m *Monitor) handleJob(log *zap.Logger, msg any) {
	r, ok := msg.(events.JobReport)
	if !ok {
		return
	}
	if m.Metrics != nil {
		m.Metrics.ObserveJob(r)
	}
	for _, rule := range m.Rules {
		if fire, reason := rule.Check(r); fire {
			m.send(log, formatAlert(r, reason))
		}
	}
}

func (m *Monitor) send(log *zap.Logger, msg string) {
	if m.Sink == nil {
		return
	}
	if err := m.Sink.Send(msg); err != nil {
		log.Warn("alert delivery failed", zap.Error(err))
	}
}

func formatAlert(r events.JobReport, reason string) string {
	return fmt.Sprintf("[%s] %s/%s %s: %s", time.Now().UTC().Format(time.RFC3339), r.Symbol, r.Timeframe, r.Partition, reason)
}
