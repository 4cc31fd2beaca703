package pipeline

import (
	"context"
	"log"
	"time"

	"pointmesh/internal/job"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ProgressSink receives best-effort progress telemetry. Emit must return
// promptly and must not fail the run when the consumer is gone.
type ProgressSink interface {
	Emit(jobID string, percent int, status string)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(jobID string, percent int, status string)

func (f SinkFunc) Emit(jobID string, percent int, status string) { f(jobID, percent, status) }

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(string, int, string) {}

// LogSink writes every event through Logf.
type LogSink struct{}

func (LogSink) Emit(jobID string, percent int, status string) {
	Logf("job %s: %3d%% %s", jobID, percent, status)
}

// MultiSink fans an event out to every sink in order.
type MultiSink []ProgressSink

func (m MultiSink) Emit(jobID string, percent int, status string) {
	for _, s := range m {
		if s != nil {
			s.Emit(jobID, percent, status)
		}
	}
}

// RecordSink writes progress onto the persisted job row. Each write is bounded
// by Timeout; failures are logged and dropped.
type RecordSink struct {
	Store   job.Store
	Timeout time.Duration
}

func NewRecordSink(store job.Store) *RecordSink {
	return &RecordSink{Store: store, Timeout: 2 * time.Second}
}

func (s *RecordSink) Emit(jobID string, percent int, status string) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Store.SetProgress(ctx, jobID, percent, status); err != nil {
		Logf("job %s: progress update dropped: %v", jobID, err)
	}
}
