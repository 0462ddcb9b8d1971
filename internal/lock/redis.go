package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisClient is the subset of *redis.Client used by Redis.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const redisKeyPrefix = "metrics:lock:"

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Redis is a lock shared by every host talking to the same Redis. The key expires after
// ttl so a killed process cannot hold it forever.
type Redis struct {
	client RedisClient
	name   string
	ttl    time.Duration
	poll   time.Duration

	mu    sync.Mutex
	token string
}

// NewRedis creates a Redis-backed lock.
func NewRedis(client RedisClient, name string, ttl, pollEvery time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, name: name, ttl: ttl, poll: pollEvery}
}

// Name implements Lock.
func (r *Redis) Name() string { return r.name }

func (r *Redis) key() string { return redisKeyPrefix + r.name }

// Acquire implements Lock.
func (r *Redis) Acquire(ctx context.Context, timeout time.Duration) (context.Context, error) {
	if err := nested(ctx, r.name); err != nil {
		return ctx, err
	}

	token := uuid.NewString()
	err := poll(ctx, r.name, timeout, r.poll, func(ctx context.Context) (bool, error) {
		ok, err := r.client.SetNX(ctx, r.key(), token, r.ttl).Result()
		if err != nil {
			return false, eris.Wrapf(err, "lock: redis setnx %q", r.name)
		}
		return ok, nil
	})
	if err != nil {
		return ctx, err
	}

	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
	return markHeld(ctx, r.name), nil
}

// Release implements Lock.
func (r *Redis) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return nil
	}
	token := r.token
	r.token = ""
	if err := r.client.Eval(ctx, releaseScript, []string{r.key()}, token).Err(); err != nil {
		return eris.Wrapf(err, "lock: redis release %q", r.name)
	}
	return nil
}
