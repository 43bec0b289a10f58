// Package ingest defines core types shared across subsystems.
package ingest

import (
	"time"
)

// DocumentStatus represents the lifecycle state of an ingested document.
type DocumentStatus string

// Document status values persisted in the document store.
//
// A crawl-driven document moves pending -> processing -> processed|error
// within one attempt; error is terminal for that attempt. Subscription
// documents use enabled/disabled, mirroring their trigger. RSS post
// documents additionally pass through sent_to_crawler once a crawl has been
// submitted for them.
const (
	StatusPending       DocumentStatus = "pending"
	StatusProcessing    DocumentStatus = "processing"
	StatusProcessed     DocumentStatus = "processed"
	StatusError         DocumentStatus = "error"
	StatusEnabled       DocumentStatus = "enabled"
	StatusDisabled      DocumentStatus = "disabled"
	StatusSentToCrawler DocumentStatus = "sent_to_crawler"
)

// DocumentType identifies what kind of content a document tracks.
type DocumentType string

// Document type values.
const (
	TypeWebsite DocumentType = "website"
	TypeRSSFeed DocumentType = "rssfeed"
	TypeRSSPost DocumentType = "rsspost"
	TypeFile    DocumentType = "file"
	TypeText    DocumentType = "text"
	TypeQnA     DocumentType = "qna"
)

// Document is one unit of ingested content tracked by status.
// Identity is the composite (WorkspaceID, DocumentID), assigned at creation
// and never mutated. ParentID links an RSS post back to its subscription.
type Document struct {
	WorkspaceID string         `json:"workspace_id"`
	DocumentID  string         `json:"document_id"`
	Type        DocumentType   `json:"type"`
	ParentID    string         `json:"parent_id,omitempty"`
	Path        string         `json:"path"`
	Title       string         `json:"title,omitempty"`
	Status      DocumentStatus `json:"status"`
	ErrorText   string         `json:"error_text,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CrawlContext is the continuation state carried between bounded worker
// invocations. It is owned by exactly one in-flight orchestration; the
// orchestrator passes it by value and never shares it across instances.
type CrawlContext struct {
	WorkspaceID string          `json:"workspace_id"`
	DocumentID  string          `json:"document_id"`
	Done        bool            `json:"done"`
	Frontier    []string        `json:"frontier,omitempty"`
	Seen        map[string]bool `json:"seen,omitempty"`
	Visited     int             `json:"visited"`
	Limit       int             `json:"limit"`
	FollowLinks bool            `json:"follow_links"`
}

// Submission wraps a crawl ready to be orchestrated.
type Submission struct {
	WorkspaceID string       `json:"workspace_id"`
	DocumentID  string       `json:"document_id"`
	Context     CrawlContext `json:"context"`
	Submitted   int64        `json:"submitted"`
}

// FeedEntry is one entry of a fetched feed, in feed order.
type FeedEntry struct {
	EntryID     string    `json:"entry_id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
}

// TriggerPayload is the only data a recurring trigger may carry. Triggers
// address the feed ingestor and nothing else, so the payload names just the
// subscription to tick.
type TriggerPayload struct {
	WorkspaceID    string `json:"workspace_id"`
	SubscriptionID string `json:"subscription_id"`
}

// DocumentPage is one page of a cursor-based listing. NextCursor is empty
// when there are no further pages.
type DocumentPage struct {
	Items      []Document `json:"items"`
	NextCursor string     `json:"lastDocumentId,omitempty"`
}

// LockKey derives the mutual-exclusion key for a document. Submissions for
// a document already holding this key are rejected, never run in parallel.
func LockKey(workspaceID, documentID string) string {
	return "crawl:" + workspaceID + ":" + documentID
}
