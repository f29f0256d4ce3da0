// Package coord provides a best-effort, Redis-backed lease extension
// workers consult before starting long-running LLM work on a row they
// already hold via the repository's own skip-locked claim — defense in
// depth, not a substitute for it. Grounded on the teacher's
// internal/orchestrator/dedupe.go RedisDedupeStore (SET key value EX ttl
// NX-style semantics via go-redis).
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is the interface both workers consult. A nil Redis client (no
// coordination configured) degrades to NoopLease, which always succeeds:
// the repository row claim alone is sufficient per spec.md's
// non-goals.
type Lease interface {
	// TryExtend attempts to set or refresh a TTL-bounded marker for
	// kind/id (e.g. "conversation"/<uuid>). It returns false only when
	// another process already holds a live, different marker — which
	// should not happen given the repository's own row lock, but is
	// checked anyway as defense in depth.
	TryExtend(ctx context.Context, kind, id string, ttl time.Duration) (bool, error)
}

// RedisLease is the production Lease backed by a real Redis instance.
type RedisLease struct {
	client *redis.Client
	owner  string
}

// NewRedisLease constructs a RedisLease against addr and verifies
// connectivity with a Ping, mirroring NewRedisDedupeStore.
func NewRedisLease(addr, owner string) (*RedisLease, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coord: redis ping failed: %w", err)
	}
	return &RedisLease{client: c, owner: owner}, nil
}

func (l *RedisLease) TryExtend(ctx context.Context, kind, id string, ttl time.Duration) (bool, error) {
	key := "agentloop:lease:" + kind + ":" + id
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Already held; only "ours" counts as still-extendable.
	val, err := l.client.Get(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if val != l.owner {
		return false, nil
	}
	return true, l.client.Expire(ctx, key, ttl).Err()
}

// Close releases the underlying Redis client.
func (l *RedisLease) Close() error { return l.client.Close() }

// NoopLease always succeeds; used when no Redis coordinator is configured.
type NoopLease struct{}

func (NoopLease) TryExtend(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
