// Package memory provides an in-memory DocumentStore for development and
// testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/feedmill/ingestd/internal/ingest"
)

type key struct {
	workspaceID string
	documentID  string
}

// DocumentStore keeps documents in insertion order per workspace.
type DocumentStore struct {
	mu    sync.RWMutex
	docs  map[key]ingest.Document
	order map[string][]string
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:  make(map[key]ingest.Document),
		order: make(map[string][]string),
	}
}

// Put upserts a document. Creating preserves insertion order for listings;
// updating an existing document keeps its original position.
func (s *DocumentStore) Put(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{doc.WorkspaceID, doc.DocumentID}
	if _, exists := s.docs[k]; !exists {
		s.order[doc.WorkspaceID] = append(s.order[doc.WorkspaceID], doc.DocumentID)
	}
	s.docs[k] = doc
	return nil
}

// UpdateStatus sets the status and error text for a document.
func (s *DocumentStore) UpdateStatus(
	_ context.Context,
	workspaceID, documentID string,
	status ingest.DocumentStatus,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{workspaceID, documentID}
	doc, ok := s.docs[k]
	if !ok {
		return ingest.ErrNotFound
	}
	doc.Status = status
	doc.ErrorText = errText
	doc.UpdatedAt = time.Now().UTC()
	s.docs[k] = doc
	return nil
}

// Get fetches a document by its composite identity.
func (s *DocumentStore) Get(_ context.Context, workspaceID, documentID string) (ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key{workspaceID, documentID}]
	if !ok {
		return ingest.Document{}, ingest.ErrNotFound
	}
	return doc, nil
}

// ListByParent returns children of a parent document in insertion order.
func (s *DocumentStore) ListByParent(
	_ context.Context,
	workspaceID, parentID, cursor string,
	limit int,
) (ingest.DocumentPage, error) {
	return s.list(workspaceID, cursor, limit, func(doc ingest.Document) bool {
		return doc.ParentID == parentID
	})
}

// ListByType returns documents of one type in insertion order.
func (s *DocumentStore) ListByType(
	_ context.Context,
	workspaceID string,
	docType ingest.DocumentType,
	cursor string,
	limit int,
) (ingest.DocumentPage, error) {
	return s.list(workspaceID, cursor, limit, func(doc ingest.Document) bool {
		return doc.Type == docType
	})
}

// Delete removes a document. Children are not cascaded.
func (s *DocumentStore) Delete(_ context.Context, workspaceID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{workspaceID, documentID}
	if _, ok := s.docs[k]; !ok {
		return ingest.ErrNotFound
	}
	delete(s.docs, k)
	ids := s.order[workspaceID]
	for i, id := range ids {
		if id == documentID {
			s.order[workspaceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// list walks the workspace's insertion sequence past the cursor, collecting
// up to limit matches. The next cursor is the last returned document id and
// is empty once the sequence is exhausted.
func (s *DocumentStore) list(
	workspaceID, cursor string,
	limit int,
	match func(ingest.Document) bool,
) (ingest.DocumentPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}

	started := cursor == ""
	page := ingest.DocumentPage{Items: []ingest.Document{}}
	for _, id := range s.order[workspaceID] {
		if !started {
			if id == cursor {
				started = true
			}
			continue
		}
		doc, ok := s.docs[key{workspaceID, id}]
		if !ok || !match(doc) {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = page.Items[len(page.Items)-1].DocumentID
			return page, nil
		}
		page.Items = append(page.Items, doc)
	}
	return page, nil
}
