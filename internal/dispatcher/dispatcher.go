// Package dispatcher manages orchestrator fan-out over the submission queue
// and enforces the one-active-orchestration-per-document invariant at
// submission time.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
	"github.com/feedmill/ingestd/internal/orchestrator"
)

// Config controls Dispatcher behavior.
type Config struct {
	// LockTTL bounds how long a submission's lock outlives a crashed
	// orchestration. It must exceed the orchestrator wall-clock ceiling.
	LockTTL time.Duration
}

// Dispatcher fans out queue work to a pool of orchestrators.
type Dispatcher struct {
	queue         ingest.Queue
	locker        ingest.Locker
	orchestrators []*orchestrator.Orchestrator
	cfg           Config
	logger        *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue ingest.Queue,
	locker ingest.Locker,
	orchestrators []*orchestrator.Orchestrator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = orchestrator.DefaultWallClock + 10*time.Minute
	}
	return &Dispatcher{
		queue:         queue,
		locker:        locker,
		orchestrators: orchestrators,
		cfg:           cfg,
		logger:        logger,
	}
}

// Run starts all orchestrators and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, o := range d.orchestrators {
		wg.Add(1)
		go func(o *orchestrator.Orchestrator) {
			defer wg.Done()
			o.Run(ctx)
		}(o)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit acquires the document's lock and enqueues the submission. A
// submission for a document with an active orchestration is rejected with
// ingest.ErrAlreadyRunning; the lock is held from here until the
// orchestration terminates.
func (d *Dispatcher) Submit(ctx context.Context, sub ingest.Submission) error {
	key := ingest.LockKey(sub.WorkspaceID, sub.DocumentID)
	acquired, err := d.locker.Acquire(ctx, key, d.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire document lock: %w", err)
	}
	if !acquired {
		return ingest.ErrAlreadyRunning
	}

	if err := d.queue.Enqueue(ctx, sub); err != nil {
		if relErr := d.locker.Release(ctx, key); relErr != nil {
			d.logger.Error("lock release after enqueue failure failed",
				zap.String("key", key), zap.Error(relErr))
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
