package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/audit"
	"github.com/sells-group/metrics-cli/internal/lock"
)

// Standalone runs a single step outside a pipeline run, under the same lock and with
// one audit entry.
type Standalone struct {
	Lock     lock.Lock
	Timeout  time.Duration
	Sink     audit.Sink
	Recorder Recorder
}

// Run acquires the lock and executes s. A lock failure is returned without running the
// step; a step failure is returned alongside its result.
func (sa Standalone) Run(ctx context.Context, s Step) (StepResult, error) {
	sink := sa.Sink
	if sink == nil {
		sink = audit.Nop{}
	}
	rec := sa.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	timeout := sa.Timeout
	if timeout == 0 {
		timeout = lock.DefaultTimeout
	}
	runID := uuid.NewString()

	if sa.Lock == nil {
		return StepResult{Step: s.Name, Status: StatusError}, eris.New("pipeline: standalone has no lock")
	}
	lockCtx, err := sa.Lock.Acquire(ctx, timeout)
	if err != nil {
		res := StepResult{Step: s.Name, Status: StatusError, Error: err.Error()}
		appendEntry(ctx, sink, audit.Entry{RunID: runID, Step: s.Name, Status: audit.StatusError, Error: err.Error()})
		return res, eris.Wrapf(err, "pipeline: %s", s.Name)
	}
	defer sa.Lock.Release(lockCtx) //nolint:errcheck

	r := &Runner{recorder: rec}
	res := r.runStep(lockCtx, s)
	appendEntry(lockCtx, sink, audit.Entry{
		RunID:          runID,
		Step:           res.Step,
		Status:         string(res.Status),
		RowsIn:         res.RowsIn,
		RowsOut:        res.RowsOut,
		ElapsedSeconds: res.ElapsedSeconds,
		Error:          res.Error,
	})
	if res.Status == StatusError {
		return res, eris.Errorf("pipeline: %s: %s", s.Name, res.Error)
	}
	return res, nil
}
