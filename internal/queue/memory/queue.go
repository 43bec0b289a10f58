// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feedmill/ingestd/internal/ingest"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan ingest.Submission
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan ingest.Submission, capacity),
	}
}

// Enqueue pushes a submission into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, sub ingest.Submission) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- sub:
		return nil
	}
}

// Dequeue pops the next submission, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (ingest.Submission, error) {
	select {
	case <-ctx.Done():
		return ingest.Submission{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case sub, ok := <-q.ch:
		if !ok {
			return ingest.Submission{}, errors.New("queue closed")
		}
		return sub, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
