// Package memory provides an in-process Locker for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/feedmill/ingestd/internal/ingest"
)

// Locker tracks held keys with expiries in a map. Suitable only for a
// single-process deployment; use the Redis locker when orchestrators run on
// more than one node.
type Locker struct {
	mu     sync.Mutex
	held   map[string]time.Time
	clock  ingest.Clock
}

// New constructs a Locker.
func New(clock ingest.Clock) *Locker {
	return &Locker{
		held:  make(map[string]time.Time),
		clock: clock,
	}
}

// Acquire takes the key unless it is already held and unexpired.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

// Release frees the key. Releasing an unheld key is a no-op.
func (l *Locker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
