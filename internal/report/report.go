// Package report defines the immutable run summary emitted on
// termination and the Reporter collaborator that consumes it. The engine
// builds the summary exactly once; formatting, mailing, and rendering are
// the collaborator's business.
package report

import (
	"context"
	"time"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// InstanceStatus records the terminal state of one stage instance.
type InstanceStatus struct {
	Stage   string        `json:"stage"`
	Key     string        `json:"key"`
	State   string        `json:"state"`
	Ignored bool          `json:"ignored,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`
}

// Summary is the single immutable record describing one finished run.
type Summary struct {
	RunID     string            `json:"run_id"`
	Status    Status            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
	Samples   int               `json:"samples"`
	Config    map[string]string `json:"config"`
	Instances []InstanceStatus  `json:"instances"`
	Error     string            `json:"error,omitempty"`
}

// Reporter consumes a finished run's summary. Implementations must not
// influence the run outcome; a reporting failure is logged, not fatal.
type Reporter interface {
	Report(ctx context.Context, s *Summary) error
}
