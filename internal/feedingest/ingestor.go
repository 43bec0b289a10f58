package feedingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
	"github.com/feedmill/ingestd/internal/metrics"
)

// Submitter accepts crawl submissions; the dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) error
}

// Config controls the Ingestor.
type Config struct {
	// LinkLimit caps how many pages a post crawl may follow.
	LinkLimit int
	// PageSize bounds store listing pages while collecting seen entries.
	PageSize int
}

// Ingestor polls a subscription's feed on each trigger tick. New entries are
// recorded as pending post documents, then every pending post, whether just
// recorded or left behind by an earlier failed tick, is dispatched to the
// crawler. The entry diff is keyed by the entry's link, so re-running against
// unchanged feed content (or a duplicate trigger delivery) creates nothing.
type Ingestor struct {
	store  ingest.DocumentStore
	source ingest.FeedSource
	submit Submitter
	idGen  ingest.IDGenerator
	clock  ingest.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs an Ingestor.
func New(
	store ingest.DocumentStore,
	source ingest.FeedSource,
	submit Submitter,
	idGen ingest.IDGenerator,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Ingestor {
	if cfg.LinkLimit <= 0 {
		cfg.LinkLimit = 30
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Ingestor{
		store:  store,
		source: source,
		submit: submit,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// HandleTrigger adapts Tick to the trigger backend's handler signature.
// Tick errors are transient by contract: they are logged and retried on the
// next scheduled tick, never disabling the subscription.
func (i *Ingestor) HandleTrigger(ctx context.Context, payload ingest.TriggerPayload) {
	if err := i.Tick(ctx, payload.WorkspaceID, payload.SubscriptionID); err != nil {
		i.logger.Warn("feed tick failed",
			zap.String("workspace_id", payload.WorkspaceID),
			zap.String("subscription_id", payload.SubscriptionID),
			zap.Error(err),
		)
	}
}

// Tick performs one scheduled ingestion pass for a subscription.
func (i *Ingestor) Tick(ctx context.Context, workspaceID, subscriptionID string) error {
	logger := i.logger.With(
		zap.String("workspace_id", workspaceID),
		zap.String("subscription_id", subscriptionID),
	)

	sub, err := i.store.Get(ctx, workspaceID, subscriptionID)
	if err != nil {
		metrics.ObserveFeedTick("error", 0)
		return fmt.Errorf("load subscription: %w", err)
	}
	// Delivery is at-least-once; a tick that raced a disable is dropped here.
	if sub.Status != ingest.StatusEnabled {
		logger.Debug("skipping tick for disabled subscription")
		metrics.ObserveFeedTick("skipped", 0)
		return nil
	}

	entries, err := i.source.Fetch(ctx, sub.Path)
	if err != nil {
		metrics.ObserveFeedTick("fetch_error", 0)
		return fmt.Errorf("fetch feed: %w", err)
	}

	seen, pending, err := i.listPosts(ctx, workspaceID, subscriptionID)
	if err != nil {
		metrics.ObserveFeedTick("error", 0)
		return err
	}

	created := 0
	var firstErr error
	for _, entry := range entries {
		if seen[entry.Link] {
			continue
		}
		doc, err := i.recordEntry(ctx, workspaceID, subscriptionID, entry)
		if err != nil {
			logger.Error("feed entry ingestion failed",
				zap.String("link", entry.Link), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		seen[entry.Link] = true
		pending = append(pending, doc)
		created++
	}

	for _, post := range pending {
		if err := i.dispatchPost(ctx, post); err != nil {
			logger.Error("post dispatch failed",
				zap.String("document_id", post.DocumentID),
				zap.String("link", post.Path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	metrics.ObserveFeedTick("ok", created)
	logger.Info("feed tick complete",
		zap.Int("entries", len(entries)),
		zap.Int("new_documents", created),
		zap.Int("dispatched", len(pending)),
	)
	return firstErr
}

// listPosts walks every post recorded under the subscription, following
// cursors to exhaustion. It returns the set of links already recorded plus
// the posts still pending dispatch.
func (i *Ingestor) listPosts(ctx context.Context, workspaceID, subscriptionID string) (map[string]bool, []ingest.Document, error) {
	seen := make(map[string]bool)
	var pending []ingest.Document
	cursor := ""
	for {
		page, err := i.store.ListByParent(ctx, workspaceID, subscriptionID, cursor, i.cfg.PageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("list recorded posts: %w", err)
		}
		for _, doc := range page.Items {
			seen[doc.Path] = true
			if doc.Status == ingest.StatusPending {
				pending = append(pending, doc)
			}
		}
		if page.NextCursor == "" {
			return seen, pending, nil
		}
		cursor = page.NextCursor
	}
}

// recordEntry creates the pending post document for one new feed entry.
func (i *Ingestor) recordEntry(ctx context.Context, workspaceID, subscriptionID string, entry ingest.FeedEntry) (ingest.Document, error) {
	documentID, err := i.idGen.NewID()
	if err != nil {
		return ingest.Document{}, fmt.Errorf("generate document id: %w", err)
	}
	now := i.clock.Now()
	doc := ingest.Document{
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		Type:        ingest.TypeRSSPost,
		ParentID:    subscriptionID,
		Path:        entry.Link,
		Title:       entry.Title,
		Status:      ingest.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := i.store.Put(ctx, doc); err != nil {
		return ingest.Document{}, fmt.Errorf("create post document: %w", err)
	}
	metrics.ObserveDocumentCreated(string(ingest.TypeRSSPost))
	return doc, nil
}

// dispatchPost hands one pending post to the crawler. sent_to_crawler is
// written before the submission; once the crawl is enqueued the orchestration
// owns the document's status and the ingestor never writes it again. A
// rejected submission reverts the post to pending so the next tick retries.
func (i *Ingestor) dispatchPost(ctx context.Context, post ingest.Document) error {
	if err := i.store.UpdateStatus(ctx, post.WorkspaceID, post.DocumentID, ingest.StatusSentToCrawler, ""); err != nil {
		return fmt.Errorf("mark post sent: %w", err)
	}
	sub := ingest.Submission{
		WorkspaceID: post.WorkspaceID,
		DocumentID:  post.DocumentID,
		Submitted:   i.clock.Now().Unix(),
		Context: ingest.CrawlContext{
			WorkspaceID: post.WorkspaceID,
			DocumentID:  post.DocumentID,
			Frontier:    []string{post.Path},
			Limit:       i.cfg.LinkLimit,
			FollowLinks: true,
		},
	}
	if err := i.submit.Submit(ctx, sub); err != nil {
		// An active orchestration for this post means an earlier tick already
		// handed it off; nothing to redo.
		if errors.Is(err, ingest.ErrAlreadyRunning) {
			return nil
		}
		if revertErr := i.store.UpdateStatus(ctx, post.WorkspaceID, post.DocumentID, ingest.StatusPending, ""); revertErr != nil {
			i.logger.Warn("post left marked sent after rejected submission",
				zap.String("document_id", post.DocumentID), zap.Error(revertErr))
		}
		return fmt.Errorf("submit crawl: %w", err)
	}
	return nil
}
