package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-cli/internal/audit"
	"github.com/sells-group/metrics-cli/internal/lock"
)

// AggregateStep names the final audit entry of every run.
const AggregateStep = "pipeline"

// Runner executes steps strictly in order.
type Runner struct {
	steps       []Step
	lock        lock.Lock
	timeout     time.Duration
	sink        audit.Sink
	selfLogging map[string]struct{}
	recorder    Recorder

	mu    sync.Mutex
	state State
}

// Option configures a Runner.
type Option func(*Runner)

// WithLock sets the lock guarding the run. Defaults to an in-process lock named "pipeline".
func WithLock(l lock.Lock) Option {
	return func(r *Runner) { r.lock = l }
}

// WithTimeout bounds the lock wait. Defaults to lock.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithAudit sets the audit sink. Defaults to audit.Nop.
func WithAudit(s audit.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithSelfLogging names steps that write their own audit entries.
func WithSelfLogging(names ...string) Option {
	return func(r *Runner) {
		for _, n := range names {
			r.selfLogging[n] = struct{}{}
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// NewRunner creates a runner over the given ordered steps.
func NewRunner(steps []Step, opts ...Option) *Runner {
	r := &Runner{
		steps:       steps,
		timeout:     lock.DefaultTimeout,
		sink:        audit.Nop{},
		selfLogging: make(map[string]struct{}),
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lock == nil {
		r.lock = lock.NewLocal(AggregateStep)
	}
	return r
}

// State returns the runner's current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run acquires the lock, executes every step, and appends audit entries. The returned
// error is non-nil only when the run aborted before any step ran; step failures are
// reported through the summary.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Steps:     []StepResult{},
	}
	log := zap.L().With(zap.String("component", "pipeline.runner"), zap.String("run_id", summary.RunID))
	start := time.Now()

	lockCtx, err := r.lock.Acquire(ctx, r.timeout)
	if err != nil {
		r.setState(StateAborted)
		summary.State = StateAborted.String()
		summary.Status = StatusError
		summary.Error = err.Error()
		summary.ElapsedSeconds = time.Since(start).Seconds()
		log.Error("run aborted", zap.Error(err))
		r.logEntry(ctx, audit.Entry{
			RunID:          summary.RunID,
			Step:           AggregateStep,
			Status:         audit.StatusError,
			ElapsedSeconds: summary.ElapsedSeconds,
			Error:          err.Error(),
		})
		r.recorder.RunFinished(StatusError, StateAborted)
		return summary, eris.Wrap(err, "pipeline: acquire lock")
	}
	defer func() {
		if err := r.lock.Release(lockCtx); err != nil {
			log.Warn("release lock", zap.Error(err))
		}
	}()

	r.setState(StateRunning)
	log.Info("run started", zap.Int("steps", len(r.steps)))

	var rowsIn, rowsOut int64
	var errs []string
	for _, s := range r.steps {
		res := r.runStep(lockCtx, s)
		summary.Steps = append(summary.Steps, res)
		rowsIn += res.RowsIn
		rowsOut += res.RowsOut
		if res.Status == StatusError {
			errs = append(errs, fmt.Sprintf("%s: %s", res.Step, res.Error))
		}
		if _, self := r.selfLogging[s.Name]; !self {
			r.logEntry(lockCtx, audit.Entry{
				RunID:          summary.RunID,
				Step:           res.Step,
				Status:         string(res.Status),
				RowsIn:         res.RowsIn,
				RowsOut:        res.RowsOut,
				ElapsedSeconds: res.ElapsedSeconds,
				Error:          res.Error,
			})
		}
	}

	r.setState(StateCompleted)
	summary.State = StateCompleted.String()
	summary.Status = StatusOK
	if len(errs) > 0 {
		summary.Status = StatusError
		summary.Error = strings.Join(errs, "; ")
	}
	summary.ElapsedSeconds = time.Since(start).Seconds()

	r.logEntry(lockCtx, audit.Entry{
		RunID:          summary.RunID,
		Step:           AggregateStep,
		Status:         string(summary.Status),
		RowsIn:         rowsIn,
		RowsOut:        rowsOut,
		ElapsedSeconds: summary.ElapsedSeconds,
		Error:          summary.Error,
	})
	r.recorder.RunFinished(summary.Status, StateCompleted)

	log.Info("run complete",
		zap.String("status", string(summary.Status)),
		zap.Int("failed", len(errs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

func (r *Runner) runStep(ctx context.Context, s Step) StepResult {
	log := zap.L().With(zap.String("component", "pipeline.runner"), zap.String("step", s.Name))
	log.Debug("step started")

	start := time.Now()
	counts, err := invoke(ctx, s)
	elapsed := time.Since(start)

	res := StepResult{
		Step:           s.Name,
		Status:         StatusOK,
		ElapsedSeconds: elapsed.Seconds(),
		RowsIn:         counts.In,
		RowsOut:        counts.Out,
	}
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		log.Error("step failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		log.Info("step complete",
			zap.Int64("rows_in", counts.In),
			zap.Int64("rows_out", counts.Out),
			zap.Duration("elapsed", elapsed),
		)
	}
	r.recorder.StepFinished(s.Name, res.Status, elapsed, counts.In, counts.Out)
	return res
}

// invoke runs the step's work, converting a panic into an error.
func invoke(ctx context.Context, s Step) (counts Counts, err error) {
	if s.Run == nil {
		return Counts{}, eris.Errorf("pipeline: step %q has no work", s.Name)
	}
	defer func() {
		if p := recover(); p != nil {
			counts = Counts{}
			err = eris.Errorf("pipeline: step %q panicked: %v", s.Name, p)
		}
	}()
	return s.Run(ctx)
}

// logEntry writes an audit entry. Failures are logged and swallowed.
func (r *Runner) logEntry(ctx context.Context, e audit.Entry) {
	appendEntry(ctx, r.sink, e)
}

func appendEntry(ctx context.Context, sink audit.Sink, e audit.Entry) {
	if err := sink.Append(ctx, audit.Stamp(e)); err != nil {
		zap.L().With(zap.String("component", "pipeline.audit")).
			Warn("audit append failed", zap.String("step", e.Step), zap.Error(err))
	}
}
