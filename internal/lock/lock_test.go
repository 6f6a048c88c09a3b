package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocal_Exclusive(t *testing.T) {
	l := NewLocal()

	if !l.TryAcquire() {
		t.Fatal("first acquire must succeed")
	}
	if l.TryAcquire() {
		t.Fatal("second acquire while held must fail")
	}

	l.Release()
	if !l.TryAcquire() {
		t.Fatal("acquire after release must succeed")
	}
}

func TestLocal_ConcurrentSingleWinner(t *testing.T) {
	l := NewLocal()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

// fakeRedis implements RedisClient over a map, with SETNX and the
// compare-and-delete release script semantics.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.data[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) compareAndDelete(keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(keys) == 1 && len(args) == 1 && f.data[keys[0]] == fmt.Sprint(args[0]) {
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (f *fakeRedis) holder(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}

func TestRedis_Exclusive(t *testing.T) {
	f := newFakeRedis()
	l := NewRedis(f, "cycle", time.Minute)

	if !l.TryAcquire() {
		t.Fatal("first acquire must succeed")
	}
	if l.TryAcquire() {
		t.Fatal("second acquire while held must fail")
	}

	l.Release()
	if f.holder("cycle") != "" {
		t.Fatal("release must delete the key")
	}
	if !l.TryAcquire() {
		t.Fatal("acquire after release must succeed")
	}
}

func TestRedis_StaleReleaseKeepsNewHolder(t *testing.T) {
	f := newFakeRedis()
	a := NewRedis(f, "cycle", time.Minute)
	b := NewRedis(f, "cycle", time.Minute)

	if !a.TryAcquire() {
		t.Fatal("a must acquire")
	}
	a.Release()
	if !b.TryAcquire() {
		t.Fatal("b must acquire after a released")
	}

	// a already released; a second Release from a must not touch b's lease.
	a.Release()
	if f.holder("cycle") == "" {
		t.Fatal("stale release dropped the new holder's lease")
	}
	if a.TryAcquire() {
		t.Fatal("lease must still be held by b")
	}

	b.Release()
	if f.holder("cycle") != "" {
		t.Fatal("b's release must delete the key")
	}
}

func TestRedis_ConcurrentAcquireRelease(t *testing.T) {
	f := newFakeRedis()
	l := NewRedis(f, "cycle", time.Minute)

	// Scheduler jobs and web triggers share one instance; hammer it from
	// many goroutines so unsynchronized token writes surface under -race.
	const goroutines = 16
	var wg sync.WaitGroup
	var held atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !l.TryAcquire() {
					continue
				}
				if n := held.Add(1); n != 1 {
					t.Errorf("%d concurrent holders", n)
				}
				held.Add(-1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	if f.holder("cycle") != "" {
		t.Fatal("key must be free once every holder released")
	}
}
