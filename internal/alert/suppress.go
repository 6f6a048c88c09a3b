package alert

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Suppressor remembers alert keys so the same node/severity is not
// re-alerted within the window. Seen records the key and reports whether
// it was already present.
type Suppressor interface {
	Seen(key string) bool
}

// MemorySuppressor is the single-replica default.
type MemorySuppressor struct {
	cache *expirable.LRU[string, struct{}]
}

func NewMemorySuppressor(ttl time.Duration) *MemorySuppressor {
	return &MemorySuppressor{cache: expirable.NewLRU[string, struct{}](4096, nil, ttl)}
}

func (m *MemorySuppressor) Seen(key string) bool {
	if _, ok := m.cache.Get(key); ok {
		return true
	}
	m.cache.Add(key, struct{}{})
	return false
}

// RedisSuppressor shares suppression state across replicas.
type RedisSuppressor struct {
	cli *redis.Client
	ttl time.Duration
}

func NewRedisSuppressor(cli *redis.Client, ttl time.Duration) *RedisSuppressor {
	return &RedisSuppressor{cli: cli, ttl: ttl}
}

func (r *RedisSuppressor) Seen(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, "alerted:"+key, 1, r.ttl).Result()
	if err != nil {
		// Redis being down must not silence alerts.
		return false
	}
	return !ok
}
