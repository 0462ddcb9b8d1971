package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
)

// Local is an in-process lock. Locals created with the same name share one domain.
type Local struct {
	name string
	*localState
}

type localState struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	held bool
}

var (
	localsMu sync.Mutex
	locals   = map[string]*localState{}
)

// NewLocal returns an in-process lock for the named domain.
func NewLocal(name string) *Local {
	localsMu.Lock()
	defer localsMu.Unlock()
	st, ok := locals[name]
	if !ok {
		st = &localState{sem: semaphore.NewWeighted(1)}
		locals[name] = st
	}
	return &Local{name: name, localState: st}
}

// Name implements Lock.
func (l *Local) Name() string { return l.name }

// Acquire implements Lock.
func (l *Local) Acquire(ctx context.Context, timeout time.Duration) (context.Context, error) {
	if err := nested(ctx, l.name); err != nil {
		return ctx, err
	}

	if timeout <= 0 {
		if !l.sem.TryAcquire(1) {
			return ctx, eris.Wrapf(ErrLockTimeout, "lock: %q busy", l.name)
		}
	} else {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := l.sem.Acquire(wctx, 1); err != nil {
			if ctx.Err() != nil {
				return ctx, eris.Wrapf(ctx.Err(), "lock: %q wait cancelled", l.name)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return ctx, eris.Wrapf(ErrLockTimeout, "lock: %q after %s", l.name, timeout)
			}
			return ctx, eris.Wrapf(err, "lock: acquire %q", l.name)
		}
	}

	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return markHeld(ctx, l.name), nil
}

// Release implements Lock.
func (l *Local) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	l.sem.Release(1)
	return nil
}
