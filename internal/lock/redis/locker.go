// Package redis provides a Redis-backed Locker so the per-document
// mutual-exclusion invariant holds across service replicas.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the stored token matches, so a
// lock that expired and was re-acquired elsewhere is never released by the
// previous holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Locker acquires per-key locks with SET NX and token-checked release.
type Locker struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// New constructs a Locker on an existing Redis client.
func New(client *redis.Client) *Locker {
	return &Locker{
		client: client,
		tokens: make(map[string]string),
	}
}

// Acquire attempts to take the key with the given TTL. It reports false
// without error when another holder owns the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

// Release frees the key if this locker still holds it. Releasing a key that
// expired or is held elsewhere is a no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return nil
}
