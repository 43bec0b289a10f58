// Package scheduler maintains the one-to-one mapping from active feed
// subscription to recurring trigger.
package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
	"github.com/feedmill/ingestd/internal/metrics"
)

// DefaultInterval is the trigger cadence for new subscriptions.
const DefaultInterval = 24 * time.Hour

// Config controls the scheduler service.
type Config struct {
	// Interval is the cadence for new subscription triggers.
	Interval time.Duration
	// PageSize bounds subscription list pages.
	PageSize int
}

// Service owns the subscription lifecycle. A subscription document and its
// trigger are created and torn down as one logical unit: a trigger failure
// rolls the document back so no enabled subscription exists without a
// working trigger.
type Service struct {
	store    ingest.DocumentStore
	triggers ingest.TriggerBackend
	idGen    ingest.IDGenerator
	clock    ingest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Service.
func New(
	store ingest.DocumentStore,
	triggers ingest.TriggerBackend,
	idGen ingest.IDGenerator,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Service{
		store:    store,
		triggers: triggers,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// TriggerName derives the deterministic trigger name for a subscription, so
// re-subscribing the same feed replaces rather than duplicates its trigger.
// Spaces are encoded the way the trigger namespace requires.
func TriggerName(workspaceID, feedTitle string) string {
	return workspaceID + "." + strings.ReplaceAll(feedTitle, " ", "_20")
}

// Subscribe validates the feed URL, persists a subscription document in
// enabled state and provisions its recurring trigger. Subscribing twice with
// the same title reuses the existing subscription (create-or-replace).
func (s *Service) Subscribe(ctx context.Context, workspaceID, feedURL, feedTitle string) (string, error) {
	if err := validateFeedURL(feedURL); err != nil {
		return "", err
	}
	if strings.TrimSpace(feedTitle) == "" {
		return "", fmt.Errorf("%w: feed title is required", ingest.ErrInvalidInput)
	}

	existing, err := s.findByTitle(ctx, workspaceID, feedTitle)
	if err != nil {
		return "", err
	}

	subscriptionID := existing.DocumentID
	created := false
	if subscriptionID == "" {
		subscriptionID, err = s.idGen.NewID()
		if err != nil {
			return "", fmt.Errorf("generate subscription id: %w", err)
		}
		created = true
	}

	now := s.clock.Now()
	doc := ingest.Document{
		WorkspaceID: workspaceID,
		DocumentID:  subscriptionID,
		Type:        ingest.TypeRSSFeed,
		Path:        feedURL,
		Title:       feedTitle,
		Status:      ingest.StatusEnabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !created {
		doc.CreatedAt = existing.CreatedAt
	}
	if err := s.store.Put(ctx, doc); err != nil {
		return "", fmt.Errorf("persist subscription: %w", err)
	}

	payload := ingest.TriggerPayload{WorkspaceID: workspaceID, SubscriptionID: subscriptionID}
	if err := s.triggers.CreateRecurring(ctx, TriggerName(workspaceID, feedTitle), s.cfg.Interval, payload); err != nil {
		// Roll the document back so no enabled subscription is left without
		// a working trigger.
		s.rollback(ctx, doc, existing, created)
		return "", fmt.Errorf("create trigger: %w", err)
	}

	if created {
		metrics.ObserveDocumentCreated(string(ingest.TypeRSSFeed))
	}
	s.logger.Info("feed subscribed",
		zap.String("workspace_id", workspaceID),
		zap.String("subscription_id", subscriptionID),
		zap.String("feed_url", feedURL),
	)
	return subscriptionID, nil
}

// Enable re-activates the subscription's trigger and mirrors the state on
// the document.
func (s *Service) Enable(ctx context.Context, workspaceID, subscriptionID string) error {
	return s.toggle(ctx, workspaceID, subscriptionID, true)
}

// Disable deactivates the subscription's trigger without deleting it; the
// discovered post history is untouched.
func (s *Service) Disable(ctx context.Context, workspaceID, subscriptionID string) error {
	return s.toggle(ctx, workspaceID, subscriptionID, false)
}

// Delete removes the trigger and the subscription document. Post documents
// discovered by the subscription are retained.
func (s *Service) Delete(ctx context.Context, workspaceID, subscriptionID string) error {
	doc, err := s.store.Get(ctx, workspaceID, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if err := s.triggers.Delete(ctx, TriggerName(workspaceID, doc.Title)); err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if err := s.store.Delete(ctx, workspaceID, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.logger.Info("feed subscription deleted",
		zap.String("workspace_id", workspaceID),
		zap.String("subscription_id", subscriptionID),
	)
	return nil
}

// Get returns the subscription document.
func (s *Service) Get(ctx context.Context, workspaceID, subscriptionID string) (ingest.Document, error) {
	doc, err := s.store.Get(ctx, workspaceID, subscriptionID)
	if err != nil {
		return ingest.Document{}, fmt.Errorf("load subscription: %w", err)
	}
	if doc.Type != ingest.TypeRSSFeed {
		return ingest.Document{}, ingest.ErrNotFound
	}
	return doc, nil
}

// List returns the workspace's subscriptions, cursor-paginated.
func (s *Service) List(ctx context.Context, workspaceID, cursor string) (ingest.DocumentPage, error) {
	page, err := s.store.ListByType(ctx, workspaceID, ingest.TypeRSSFeed, cursor, s.cfg.PageSize)
	if err != nil {
		return ingest.DocumentPage{}, fmt.Errorf("list subscriptions: %w", err)
	}
	return page, nil
}

// ListPosts returns the post documents discovered by a subscription.
func (s *Service) ListPosts(ctx context.Context, workspaceID, subscriptionID, cursor string) (ingest.DocumentPage, error) {
	page, err := s.store.ListByParent(ctx, workspaceID, subscriptionID, cursor, s.cfg.PageSize)
	if err != nil {
		return ingest.DocumentPage{}, fmt.Errorf("list posts: %w", err)
	}
	return page, nil
}

func (s *Service) toggle(ctx context.Context, workspaceID, subscriptionID string, enable bool) error {
	doc, err := s.store.Get(ctx, workspaceID, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	name := TriggerName(workspaceID, doc.Title)

	// Trigger first: a failure here must not flip the document's status.
	if enable {
		err = s.triggers.Enable(ctx, name)
	} else {
		err = s.triggers.Disable(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("toggle trigger %q: %w", name, err)
	}

	status := ingest.StatusDisabled
	if enable {
		status = ingest.StatusEnabled
	}
	if err := s.store.UpdateStatus(ctx, workspaceID, subscriptionID, status, ""); err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, doc, existing ingest.Document, created bool) {
	var err error
	if created {
		err = s.store.Delete(ctx, doc.WorkspaceID, doc.DocumentID)
	} else {
		err = s.store.Put(ctx, existing)
	}
	if err != nil {
		s.logger.Error("subscription rollback failed",
			zap.String("workspace_id", doc.WorkspaceID),
			zap.String("subscription_id", doc.DocumentID),
			zap.Error(err),
		)
	}
}

func (s *Service) findByTitle(ctx context.Context, workspaceID, feedTitle string) (ingest.Document, error) {
	cursor := ""
	for {
		page, err := s.store.ListByType(ctx, workspaceID, ingest.TypeRSSFeed, cursor, s.cfg.PageSize)
		if err != nil {
			return ingest.Document{}, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, doc := range page.Items {
			if doc.Title == feedTitle {
				return doc, nil
			}
		}
		if page.NextCursor == "" {
			return ingest.Document{}, nil
		}
		cursor = page.NextCursor
	}
}

func validateFeedURL(feedURL string) error {
	u, err := url.Parse(feedURL)
	if err != nil {
		return fmt.Errorf("%w: feed url: %v", ingest.ErrInvalidInput, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: feed url %q: http or https with a host required", ingest.ErrInvalidInput, feedURL)
	}
	return nil
}
