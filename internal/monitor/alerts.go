package monitor

import (
	"sync"

	"go.uber.org/zap"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Logger != nil {
		s.Logger.Warn("alert", zap.String("message", message))
	}
	return nil
}

// MemorySink keeps the latest alerts, newest last.
type MemorySink struct {
	mu     sync.Mutex
	max    int
	alerts []string
}

// NewMemorySink keeps at most limit alerts.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 100
	}
	return &MemorySink{max: limit}
}

func (s *MemorySink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, message)
	if len(s.alerts) > s.max {
		s.alerts = s.alerts[len(s.alerts)-s.max:]
	}
	return nil
}

// Alerts returns a copy of the retained alerts.
func (s *MemorySink) Alerts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts...)
}

// MultiSink fans out to several sinks and returns the first error.
type MultiSink []AlertSink

func (m MultiSink) Send(message string) error {
	var first error
	for _, s := range m {
		if err := s.Send(message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
