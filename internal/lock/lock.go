// Package lock provides the process-wide mutual-exclusion primitive that keeps pipeline
// runs and standalone report jobs from overlapping.
//
// Locks are not reentrant. Acquire returns a context marked as holding the lock's name;
// a second Acquire of the same name with that context fails fast with ErrLockHeld
// instead of waiting on itself.
package lock

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrLockTimeout is returned when the lock could not be acquired within the wait bound.
	ErrLockTimeout = eris.New("lock: timed out waiting for lock")

	// ErrLockHeld is returned on a nested acquisition attempt.
	ErrLockHeld = eris.New("lock: already held by this execution")
)

// DefaultTimeout is the default bounded wait for acquisition.
const DefaultTimeout = 5 * time.Minute

// Lock is a named, non-reentrant mutual-exclusion lock.
type Lock interface {
	// Name identifies the lock domain.
	Name() string
	// Acquire waits up to timeout for the lock. On success it returns a derived context
	// that records the lock as held.
	Acquire(ctx context.Context, timeout time.Duration) (context.Context, error)
	// Release frees the lock. Calling it when the lock is not held is a no-op.
	Release(ctx context.Context) error
}

type heldKey struct{}

// Holds reports whether ctx was returned by a successful Acquire of the named lock.
func Holds(ctx context.Context, name string) bool {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})
	_, ok := held[name]
	return ok
}

func markHeld(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(heldKey{}).(map[string]struct{})
	next := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		next[k] = struct{}{}
	}
	next[name] = struct{}{}
	return context.WithValue(ctx, heldKey{}, next)
}

func nested(ctx context.Context, name string) error {
	if Holds(ctx, name) {
		return eris.Wrapf(ErrLockHeld, "lock: %q", name)
	}
	return nil
}

// poll calls try until it reports success, the timeout elapses, or ctx is done. A
// non-positive timeout makes a single attempt.
func poll(ctx context.Context, name string, timeout, interval time.Duration, try func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return eris.Wrapf(ErrLockTimeout, "lock: %q after %s", name, timeout)
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return eris.Wrapf(ctx.Err(), "lock: %q wait cancelled", name)
		case <-t.C:
		}
	}
}
