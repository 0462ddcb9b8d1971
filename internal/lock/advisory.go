package lock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-cli/internal/db"
)

// Advisory is a Postgres session advisory lock. Advisory locks belong to a connection, so
// the pool must be limited to a single connection. A session re-acquires its own advisory
// lock without blocking, so callers in one process are serialised on a Local gate before
// Postgres is asked.
type Advisory struct {
	pool db.Pool
	name string
	key  int64
	poll time.Duration
	gate *Local

	mu   sync.Mutex
	held bool
}

// NewAdvisory creates an advisory lock whose key is derived from name.
func NewAdvisory(pool db.Pool, name string, pollEvery time.Duration) *Advisory {
	return &Advisory{
		pool: pool,
		name: name,
		key:  AdvisoryKey(name),
		poll: pollEvery,
		gate: NewLocal("advisory:" + name),
	}
}

// AdvisoryKey hashes a lock name to a bigint advisory lock key.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name)) //nolint:errcheck
	return int64(h.Sum64())
}

// Name implements Lock.
func (a *Advisory) Name() string { return a.name }

// Acquire implements Lock.
func (a *Advisory) Acquire(ctx context.Context, timeout time.Duration) (context.Context, error) {
	if err := nested(ctx, a.name); err != nil {
		return ctx, err
	}

	start := time.Now()
	if _, err := a.gate.Acquire(ctx, timeout); err != nil {
		return ctx, err
	}
	if timeout > 0 {
		timeout -= time.Since(start)
	}

	err := poll(ctx, a.name, timeout, a.poll, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := a.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", a.key).Scan(&ok); err != nil {
			return false, eris.Wrapf(err, "lock: try advisory lock %q", a.name)
		}
		return ok, nil
	})
	if err != nil {
		a.gate.Release(ctx) //nolint:errcheck
		return ctx, err
	}

	a.mu.Lock()
	a.held = true
	a.mu.Unlock()
	return markHeld(ctx, a.name), nil
}

// Release implements Lock.
func (a *Advisory) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.held {
		return nil
	}
	a.held = false
	defer a.gate.Release(ctx) //nolint:errcheck
	if _, err := a.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", a.key); err != nil {
		zap.L().Warn("lock: failed to release advisory lock", zap.String("lock", a.name), zap.Error(err))
		return eris.Wrapf(err, "lock: release advisory lock %q", a.name)
	}
	return nil
}
