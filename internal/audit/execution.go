// Package audit records every authorization decision and command execution
// the gate makes, and streams monitoring-command output to observers.
package audit

import (
	"context"
	"time"
)

// Execution is one audit record: a command the gate was asked to run,
// what the policy decided, and how the remote execution ended.
// Rejected commands are recorded too — ExitCode is meaningless for them.
type Execution struct {
	ID             string    `json:"id"`
	Host           string    `json:"host"`
	Command        string    `json:"command"`
	Elevated       bool      `json:"elevated"`
	Allowed        bool      `json:"allowed"`
	Classification string    `json:"classification,omitempty"` // set on rejection
	ExitCode       int       `json:"exit_code"`
	DurationSec    float64   `json:"duration_sec"`
	StartedAt      time.Time `json:"started_at"`
}

// Sink persists execution records. Implementations must be safe for
// concurrent use. The gate never fails a command because its audit sink
// failed — Record errors are logged, not propagated.
type Sink interface {
	Record(ctx context.Context, e Execution) error
	Close() error
}

// NopSink discards all records — use when auditing is disabled so the
// Session needs no nil checks.
type NopSink struct{}

func (NopSink) Record(context.Context, Execution) error { return nil }
func (NopSink) Close() error                            { return nil }

// MultiSink fans each record out to every child sink. The first error is
// returned after all children have been attempted.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Execution) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
