// Package orchestrator implements the crawl state machine that drives one
// document from submission to a terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
	"github.com/feedmill/ingestd/internal/metrics"
)

// Outcome labels for completed orchestrations.
const (
	outcomeProcessed = "processed"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCanceled  = "canceled"
)

// DefaultWallClock bounds total orchestration duration.
const DefaultWallClock = 120 * time.Minute

// Config controls Orchestrator behavior.
type Config struct {
	// WallClock is the ceiling on one orchestration's total duration.
	// Exceeding it routes the document to error.
	WallClock time.Duration
}

// Orchestrator consumes submissions and executes the crawl state machine:
// SetProcessing, then Invoke/Decide until the worker reports done, then
// SetProcessed, with any failure routed to SetError. It performs no
// automatic retry; a failed invoke is terminal for the submission.
type Orchestrator struct {
	queue  ingest.Queue
	store  ingest.DocumentStore
	worker ingest.CrawlWorker
	locker ingest.Locker
	clock  ingest.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(
	queue ingest.Queue,
	store ingest.DocumentStore,
	worker ingest.CrawlWorker,
	locker ingest.Locker,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.WallClock <= 0 {
		cfg.WallClock = DefaultWallClock
	}
	return &Orchestrator{
		queue:  queue,
		store:  store,
		worker: worker,
		locker: locker,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming submissions until the context finishes.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		sub, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		o.Execute(ctx, sub)
	}
}

// Execute drives one submission to a terminal status. The per-document lock
// acquired at submission time is released on every exit path, so the
// mutual-exclusion window spans submission through termination.
func (o *Orchestrator) Execute(ctx context.Context, sub ingest.Submission) {
	start := o.clock.Now()
	metrics.IncActiveOrchestrations()
	defer metrics.DecActiveOrchestrations()
	defer o.releaseLock(ctx, sub)

	logger := o.logger.With(
		zap.String("workspace_id", sub.WorkspaceID),
		zap.String("document_id", sub.DocumentID),
	)

	// SetProcessing is unconditional and not retried; a store write failure
	// here aborts the whole submission.
	if err := o.store.UpdateStatus(ctx, sub.WorkspaceID, sub.DocumentID, ingest.StatusProcessing, ""); err != nil {
		logger.Error("set processing failed, aborting submission", zap.Error(err))
		o.fail(ctx, sub, start, outcomeError, fmt.Errorf("set processing: %w", err))
		return
	}

	deadline := start.Add(o.cfg.WallClock)
	crawlCtx := sub.Context
	steps := 0

	for !crawlCtx.Done {
		// Decide boundary: cooperative cancellation and the wall-clock
		// ceiling are both checked before every invoke.
		if ctx.Err() != nil {
			o.fail(ctx, sub, start, outcomeCanceled, fmt.Errorf("orchestration canceled: %w", ctx.Err()))
			return
		}
		if o.clock.Now().After(deadline) {
			o.fail(ctx, sub, start, outcomeTimeout,
				fmt.Errorf("orchestration exceeded wall-clock ceiling of %s", o.cfg.WallClock))
			return
		}

		next, err := o.worker.Invoke(ctx, crawlCtx)
		steps++
		metrics.ObserveInvokeStep()
		if err != nil {
			o.fail(ctx, sub, start, outcomeError, fmt.Errorf("invoke step %d: %w", steps, err))
			return
		}
		crawlCtx = next
	}

	if err := o.store.UpdateStatus(ctx, sub.WorkspaceID, sub.DocumentID, ingest.StatusProcessed, ""); err != nil {
		logger.Error("set processed failed", zap.Error(err))
		o.fail(ctx, sub, start, outcomeError, fmt.Errorf("set processed: %w", err))
		return
	}

	metrics.ObserveOrchestration(outcomeProcessed, o.clock.Now().Sub(start))
	logger.Info("orchestration processed",
		zap.Int("invoke_steps", steps),
		zap.Int("pages_visited", crawlCtx.Visited),
	)
}

// fail routes the document to the error state. The status write uses a
// detached context so a canceled orchestration can still record its terminal
// status; if the write itself fails the job still terminates as failed and
// the stale status is reported, not hidden.
func (o *Orchestrator) fail(ctx context.Context, sub ingest.Submission, start time.Time, outcome string, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.store.UpdateStatus(writeCtx, sub.WorkspaceID, sub.DocumentID, ingest.StatusError, cause.Error()); err != nil {
		o.logger.Error("set error failed, document status may be stale",
			zap.String("workspace_id", sub.WorkspaceID),
			zap.String("document_id", sub.DocumentID),
			zap.Error(err),
		)
	}

	metrics.ObserveOrchestration(outcome, o.clock.Now().Sub(start))
	o.logger.Warn("orchestration failed",
		zap.String("workspace_id", sub.WorkspaceID),
		zap.String("document_id", sub.DocumentID),
		zap.String("outcome", outcome),
		zap.Error(cause),
	)
}

func (o *Orchestrator) releaseLock(ctx context.Context, sub ingest.Submission) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	key := ingest.LockKey(sub.WorkspaceID, sub.DocumentID)
	if err := o.locker.Release(releaseCtx, key); err != nil {
		o.logger.Error("lock release failed", zap.String("key", key), zap.Error(err))
	}
}
