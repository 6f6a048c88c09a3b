// Package lock provides the single "cycle in progress" exclusion. The
// local flavor is an in-process flag; the redis flavor extends the same
// guarantee across replicas.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CycleLock is acquired at cycle start and released on every exit path.
// TryAcquire never blocks: concurrent triggers fail fast instead of
// queuing.
type CycleLock interface {
	TryAcquire() bool
	Release()
}

// Local guards a single process.
type Local struct {
	held atomic.Bool
}

func NewLocal() *Local { return &Local{} }

func (l *Local) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

func (l *Local) Release() {
	l.held.Store(false)
}

// releaseScript deletes the key only if this instance still owns it, so a
// lock that expired and was re-acquired elsewhere is never released by the
// stale owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// RedisClient is the slice of the go-redis API the lock uses.
// *redis.Client satisfies it.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Redis is a SETNX lease with a TTL safety net against crashed holders.
// One instance is shared by every goroutine that may trigger a cycle, so
// the ownership token is guarded by a mutex.
type Redis struct {
	cli RedisClient
	key string
	ttl time.Duration

	mu    sync.Mutex
	token string
}

func NewRedis(cli RedisClient, key string, ttl time.Duration) *Redis {
	return &Redis{cli: cli, key: key, ttl: ttl}
}

func (r *Redis) TryAcquire() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	token := uuid.NewString()
	ok, err := r.cli.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil || !ok {
		return false
	}
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
	return true
}

func (r *Redis) Release() {
	// Snapshot and clear the token before touching redis. The moment the
	// key is deleted another goroutine can acquire through this same
	// instance, and a late write here would clobber the new holder's
	// token, turning its eventual Release into a no-op.
	r.mu.Lock()
	token := r.token
	r.token = ""
	r.mu.Unlock()
	if token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _ = releaseScript.Run(ctx, r.cli, []string{r.key}, token).Result()
}
