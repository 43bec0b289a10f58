package ingest

import (
	"context"
	"time"
)

// DocumentStore persists document records keyed by (workspaceId, documentId).
// Listings are ordered by insertion and paginated by an opaque cursor equal
// to the last returned document id.
type DocumentStore interface {
	Put(ctx context.Context, doc Document) error
	UpdateStatus(ctx context.Context, workspaceID, documentID string, status DocumentStatus, errText string) error
	Get(ctx context.Context, workspaceID, documentID string) (Document, error)
	ListByParent(ctx context.Context, workspaceID, parentID, cursor string, limit int) (DocumentPage, error)
	ListByType(ctx context.Context, workspaceID string, docType DocumentType, cursor string, limit int) (DocumentPage, error)
	Delete(ctx context.Context, workspaceID, documentID string) error
}

// CrawlWorker performs one bounded unit of crawl work. It returns the
// updated continuation context with Done reporting completion; any error is
// terminal for the submission that carried the context.
type CrawlWorker interface {
	Invoke(ctx context.Context, crawlCtx CrawlContext) (CrawlContext, error)
}

// FeedSource fetches and parses a feed into ordered entries.
type FeedSource interface {
	Fetch(ctx context.Context, feedURL string) ([]FeedEntry, error)
}

// TriggerHandler is the single entry point a trigger backend may invoke.
type TriggerHandler func(ctx context.Context, payload TriggerPayload)

// TriggerBackend maintains named recurring triggers. CreateRecurring has
// create-or-replace semantics so re-registering the same name is idempotent.
// Delivery is at-least-once; callers compensate with idempotent handlers.
type TriggerBackend interface {
	CreateRecurring(ctx context.Context, name string, interval time.Duration, payload TriggerPayload) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// Queue provides enqueue/dequeue semantics for crawl submissions.
type Queue interface {
	Enqueue(ctx context.Context, sub Submission) error
	Dequeue(ctx context.Context) (Submission, error)
}

// Locker enforces at-most-one-active-orchestration per document. Acquire
// reports false without error when the key is already held. The TTL bounds
// how long a crashed holder can wedge a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ContentSink persists extracted page content and returns a URI.
type ContentSink interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document and subscription IDs.
type IDGenerator interface {
	NewID() (string, error)
}
