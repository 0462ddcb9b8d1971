// Package pipeline runs ordered, named steps under a process-wide lock with per-step
// failure isolation and an append-only audit trail.
package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/metrics-cli/internal/audit"
)

// Status is the outcome of a step or a run.
type Status string

// Status values.
const (
	StatusOK    Status = audit.StatusOK
	StatusError Status = audit.StatusError
)

// State is the runner's lifecycle position.
type State int

// Runner states.
const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "idle"
	}
}

// Counts are the row counts a unit of work reports.
type Counts struct {
	In  int64
	Out int64
}

// Work is a named step's unit of work.
type Work func(ctx context.Context) (Counts, error)

// Step is a named unit of work. The name identifies the step in audit entries.
type Step struct {
	Name string
	Run  Work
}

// StepResult is produced exactly once per step per run.
type StepResult struct {
	Step           string  `json:"step" yaml:"step"`
	Status         Status  `json:"status" yaml:"status"`
	ElapsedSeconds float64 `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	RowsIn         int64   `json:"rows_in" yaml:"rows_in"`
	RowsOut        int64   `json:"rows_out" yaml:"rows_out"`
	Error          string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunSummary is the ordered record of one run.
type RunSummary struct {
	RunID          string       `json:"run_id" yaml:"run_id"`
	State          string       `json:"state" yaml:"state"`
	Status         Status       `json:"status" yaml:"status"`
	StartedAt      time.Time    `json:"started_at" yaml:"started_at"`
	ElapsedSeconds float64      `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	Steps          []StepResult `json:"steps" yaml:"steps"`
	Error          string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed returns the results whose status is error.
func (s *RunSummary) Failed() []StepResult {
	var out []StepResult
	for _, r := range s.Steps {
		if r.Status == StatusError {
			out = append(out, r)
		}
	}
	return out
}

// Recorder observes run and step outcomes, typically for metrics.
type Recorder interface {
	StepFinished(step string, status Status, elapsed time.Duration, rowsIn, rowsOut int64)
	RunFinished(status Status, state State)
}

type nopRecorder struct{}

func (nopRecorder) StepFinished(string, Status, time.Duration, int64, int64) {}
func (nopRecorder) RunFinished(Status, State)                                {}
