package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metrics-cli/internal/audit"
	"github.com/sells-group/metrics-cli/internal/lock"
)

// recordingSink captures appended audit entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (s *recordingSink) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Step)
	}
	return out
}

// recordingRecorder captures metrics callbacks.
type recordingRecorder struct {
	steps []string
	runs  []Status
	state []State
}

func (r *recordingRecorder) StepFinished(step string, _ Status, _ time.Duration, _, _ int64) {
	r.steps = append(r.steps, step)
}

func (r *recordingRecorder) RunFinished(status Status, state State) {
	r.runs = append(r.runs, status)
	r.state = append(r.state, state)
}

// failingLock never acquires.
type failingLock struct {
	err      error
	released int
}

func (f *failingLock) Name() string { return "pipeline" }
func (f *failingLock) Acquire(ctx context.Context, _ time.Duration) (context.Context, error) {
	return ctx, f.err
}
func (f *failingLock) Release(context.Context) error {
	f.released++
	return nil
}

// countingLock wraps a Local lock and counts releases.
type countingLock struct {
	*lock.Local
	releases int
}

func (c *countingLock) Release(ctx context.Context) error {
	c.releases++
	return c.Local.Release(ctx)
}

func okStep(name string, in, out int64, ran *[]string) Step {
	return Step{Name: name, Run: func(context.Context) (Counts, error) {
		*ran = append(*ran, name)
		return Counts{In: in, Out: out}, nil
	}}
}

func TestRunner_AllStepsOK(t *testing.T) {
	var ran []string
	sink := &recordingSink{}
	rec := &recordingRecorder{}
	r := NewRunner([]Step{
		okStep("ingest", 10, 10, &ran),
		okStep("conversion", 10, 2, &ran),
	}, WithAudit(sink), WithRecorder(rec))

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ingest", "conversion"}, ran)
	assert.Equal(t, StatusOK, summary.Status)
	assert.Equal(t, "completed", summary.State)
	assert.NotEmpty(t, summary.RunID)
	require.Len(t, summary.Steps, 2)
	assert.Empty(t, summary.Failed())
	assert.Equal(t, StateCompleted, r.State())

	assert.Equal(t, []string{"ingest", "conversion", AggregateStep}, sink.steps())
	final := sink.entries[2]
	assert.Equal(t, int64(20), final.RowsIn)
	assert.Equal(t, int64(12), final.RowsOut)
	assert.Equal(t, audit.StatusOK, final.Status)
	for _, e := range sink.entries {
		assert.Equal(t, summary.RunID, e.RunID)
	}

	assert.Equal(t, []string{"ingest", "conversion"}, rec.steps)
	assert.Equal(t, []Status{StatusOK}, rec.runs)
}

func TestRunner_FailureDoesNotStopLaterSteps(t *testing.T) {
	var ran []string
	sink := &recordingSink{}
	steps := []Step{
		okStep("a", 1, 1, &ran),
		{Name: "b", Run: func(context.Context) (Counts, error) {
			ran = append(ran, "b")
			return Counts{}, errors.New("missing table")
		}},
		{Name: "c", Run: func(context.Context) (Counts, error) {
			ran = append(ran, "c")
			panic("boom")
		}},
		okStep("d", 1, 1, &ran),
	}

	summary, err := NewRunner(steps, WithAudit(sink)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, ran)
	require.Len(t, summary.Steps, 4)
	assert.Equal(t, StatusOK, summary.Steps[0].Status)
	assert.Equal(t, StatusError, summary.Steps[1].Status)
	assert.Equal(t, "missing table", summary.Steps[1].Error)
	assert.Equal(t, StatusError, summary.Steps[2].Status)
	assert.Contains(t, summary.Steps[2].Error, "panicked: boom")
	assert.Equal(t, StatusOK, summary.Steps[3].Status)

	assert.Equal(t, StatusError, summary.Status)
	assert.Equal(t, "completed", summary.State)
	assert.Len(t, summary.Failed(), 2)
	assert.Contains(t, summary.Error, "b: missing table")

	final := sink.entries[len(sink.entries)-1]
	assert.Equal(t, AggregateStep, final.Step)
	assert.Equal(t, audit.StatusError, final.Status)
	assert.Contains(t, final.Error, "c: ")
}

func TestRunner_NilWorkIsStepError(t *testing.T) {
	summary, err := NewRunner([]Step{{Name: "empty"}}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Steps, 1)
	assert.Equal(t, StatusError, summary.Steps[0].Status)
}

func TestRunner_LockTimeoutAborts(t *testing.T) {
	var ran []string
	sink := &recordingSink{}
	rec := &recordingRecorder{}
	fl := &failingLock{err: lock.ErrLockTimeout}

	r := NewRunner([]Step{okStep("a", 1, 1, &ran)}, WithLock(fl), WithAudit(sink), WithRecorder(rec))
	summary, err := r.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.Empty(t, ran)
	assert.Empty(t, summary.Steps)
	assert.Equal(t, "aborted", summary.State)
	assert.Equal(t, StateAborted, r.State())

	require.Len(t, sink.entries, 1, "abort writes exactly one audit entry")
	assert.Equal(t, AggregateStep, sink.entries[0].Step)
	assert.Equal(t, audit.StatusError, sink.entries[0].Status)
	assert.NotEmpty(t, sink.entries[0].Error)
	assert.Equal(t, []State{StateAborted}, rec.state)
}

func TestRunner_HeldLockTimesOut(t *testing.T) {
	l := lock.NewLocal("pipeline")
	held, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer l.Release(held) //nolint:errcheck

	other := lock.NewLocal("pipeline")
	var ran []string
	_, err = NewRunner([]Step{okStep("a", 0, 0, &ran)}, WithLock(other), WithTimeout(10*time.Millisecond)).
		Run(context.Background())
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.Empty(t, ran)
}

func TestRunner_ReleasesLock(t *testing.T) {
	cl := &countingLock{Local: lock.NewLocal("release-test")}
	var ran []string
	r := NewRunner([]Step{
		{Name: "bad", Run: func(context.Context) (Counts, error) { return Counts{}, errors.New("x") }},
		okStep("good", 0, 0, &ran),
	}, WithLock(cl))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cl.releases)

	_, err = r.Run(context.Background())
	require.NoError(t, err, "lock is free for the next run")
}

func TestRunner_SelfLoggingStepsSkipAudit(t *testing.T) {
	var ran []string
	sink := &recordingSink{}
	r := NewRunner([]Step{
		okStep("ingest", 0, 0, &ran),
		okStep("logs_itself", 0, 0, &ran),
	}, WithAudit(sink), WithSelfLogging("logs_itself"))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", AggregateStep}, sink.steps())
}

func TestRunner_AuditFailureDoesNotFailSteps(t *testing.T) {
	var ran []string
	sink := &recordingSink{err: errors.New("log store down")}
	summary, err := NewRunner([]Step{okStep("a", 1, 1, &ran)}, WithAudit(sink)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, summary.Status)
}

func TestRunner_StepSeesHeldLock(t *testing.T) {
	l := lock.NewLocal("pipeline")
	var nestedErr error
	step := Step{Name: "report", Run: func(ctx context.Context) (Counts, error) {
		_, nestedErr = Standalone{Lock: l, Timeout: time.Second}.Run(ctx, Step{Name: "inner", Run: func(context.Context) (Counts, error) {
			return Counts{}, nil
		}})
		return Counts{}, nestedErr
	}}

	summary, err := NewRunner([]Step{step}, WithLock(l)).Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, lock.ErrLockHeld)
	assert.Equal(t, StatusError, summary.Steps[0].Status)
}

func TestStandalone(t *testing.T) {
	sink := &recordingSink{}
	sa := Standalone{Lock: lock.NewLocal("standalone"), Timeout: time.Second, Sink: sink}

	res, err := sa.Run(context.Background(), Step{Name: "conversion", Run: func(context.Context) (Counts, error) {
		return Counts{In: 5, Out: 2}, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, int64(2), res.RowsOut)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "conversion", sink.entries[0].Step)

	res, err = sa.Run(context.Background(), Step{Name: "broken", Run: func(context.Context) (Counts, error) {
		return Counts{}, errors.New("empty input")
	}})
	require.Error(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Len(t, sink.entries, 2)
}

func TestStandalone_LockFailure(t *testing.T) {
	sink := &recordingSink{}
	ran := false
	sa := Standalone{Lock: &failingLock{err: lock.ErrLockTimeout}, Sink: sink}
	_, err := sa.Run(context.Background(), Step{Name: "x", Run: func(context.Context) (Counts, error) {
		ran = true
		return Counts{}, nil
	}})
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.False(t, ran)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.StatusError, sink.entries[0].Status)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context) (Counts, error) { return Counts{}, nil }
	reg.Register(Step{Name: "ingest", Run: noop})
	reg.Register(Step{Name: "conversion", Run: noop})
	reg.Register(Step{Name: "multi_subscription", Run: noop})
	reg.Register(Step{Name: "ingest", Run: noop})

	assert.Equal(t, []string{"ingest", "conversion", "multi_subscription"}, reg.AllNames())
	assert.Len(t, reg.All(), 3)

	sel, err := reg.Select([]string{"multi_subscription", "ingest"})
	require.NoError(t, err)
	assert.Equal(t, "multi_subscription", sel[0].Name)
	assert.Equal(t, "ingest", sel[1].Name)

	all, err := reg.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = reg.Select([]string{"nope"})
	assert.Error(t, err)
	_, err = reg.Get("nope")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "aborted", StateAborted.String())
}
