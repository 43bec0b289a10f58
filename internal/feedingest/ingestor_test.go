package feedingest

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
	"github.com/feedmill/ingestd/internal/metrics"
	storememory "github.com/feedmill/ingestd/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeSource struct {
	entries []ingest.FeedEntry
	err     error
}

func (s *fakeSource) Fetch(context.Context, string) ([]ingest.FeedEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []ingest.Submission
	err         error
	failures    int
}

func (s *fakeSubmitter) Submit(_ context.Context, sub ingest.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("queue full")
	}
	s.submissions = append(s.submissions, sub)
	return nil
}

func (s *fakeSubmitter) all() []ingest.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Submission(nil), s.submissions...)
}

type sequenceIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *sequenceIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return string(rune('a'+g.n-1)) + "-id", nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func subscription(status ingest.DocumentStatus) ingest.Document {
	return ingest.Document{
		WorkspaceID: "ws-1",
		DocumentID:  "sub-1",
		Type:        ingest.TypeRSSFeed,
		Path:        "https://example.com/feed.xml",
		Title:       "News",
		Status:      status,
	}
}

func entry(link string) ingest.FeedEntry {
	return ingest.FeedEntry{EntryID: link, Title: "entry " + link, Link: link}
}

func newTestIngestor(
	store ingest.DocumentStore,
	source ingest.FeedSource,
	submit Submitter,
) *Ingestor {
	return New(store, source, submit, &sequenceIDGen{},
		fixedClock{now: time.Unix(1000, 0)}, Config{LinkLimit: 30, PageSize: 2}, zap.NewNop())
}

func TestTick_CreatesOnlyUnseenEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	// Two of the three feed entries already have post documents.
	for _, link := range []string{"https://example.com/p1", "https://example.com/p2"} {
		require.NoError(t, store.Put(ctx, ingest.Document{
			WorkspaceID: "ws-1",
			DocumentID:  "existing-" + link[len(link)-2:],
			Type:        ingest.TypeRSSPost,
			ParentID:    "sub-1",
			Path:        link,
			Status:      ingest.StatusProcessed,
		}))
	}

	source := &fakeSource{entries: []ingest.FeedEntry{
		entry("https://example.com/p1"),
		entry("https://example.com/p2"),
		entry("https://example.com/p3"),
	}}
	submit := &fakeSubmitter{}
	ing := newTestIngestor(store, source, submit)

	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))

	subs := submit.all()
	require.Len(t, subs, 1)
	require.Equal(t, []string{"https://example.com/p3"}, subs[0].Context.Frontier)
	require.Equal(t, 30, subs[0].Context.Limit)
	require.True(t, subs[0].Context.FollowLinks)

	// The new post was recorded and dispatched within the same tick.
	page, err := store.ListByParent(ctx, "ws-1", "sub-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	created := page.Items[2]
	require.Equal(t, "https://example.com/p3", created.Path)
	require.Equal(t, ingest.StatusSentToCrawler, created.Status)
	require.Equal(t, "sub-1", created.ParentID)
}

func TestTick_SecondRunCreatesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	source := &fakeSource{entries: []ingest.FeedEntry{
		entry("https://example.com/p1"),
		entry("https://example.com/p2"),
	}}
	submit := &fakeSubmitter{}
	ing := newTestIngestor(store, source, submit)

	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))
	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))

	require.Len(t, submit.all(), 2)
	page, err := store.ListByParent(ctx, "ws-1", "sub-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
}

func TestTick_SkipsDisabledSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusDisabled)))

	source := &fakeSource{entries: []ingest.FeedEntry{entry("https://example.com/p1")}}
	submit := &fakeSubmitter{}
	ing := newTestIngestor(store, source, submit)

	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))
	require.Empty(t, submit.all())
}

func TestTick_FetchFailureIsReturned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	ing := newTestIngestor(store, &fakeSource{err: errors.New("dns failure")}, &fakeSubmitter{})
	require.Error(t, ing.Tick(ctx, "ws-1", "sub-1"))
}

func TestTick_MissingSubscriptionFails(t *testing.T) {
	t.Parallel()

	ing := newTestIngestor(storememory.NewDocumentStore(), &fakeSource{}, &fakeSubmitter{})
	err := ing.Tick(context.Background(), "ws-1", "missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestTick_SubmitFailureKeepsPostPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	submit := &fakeSubmitter{err: errors.New("queue full")}
	ing := newTestIngestor(store, &fakeSource{entries: []ingest.FeedEntry{
		entry("https://example.com/p1"),
	}}, submit)

	require.Error(t, ing.Tick(ctx, "ws-1", "sub-1"))

	// The post document exists and reverted to pending, so the next tick
	// retries the dispatch without re-creating it.
	page, err := store.ListByParent(ctx, "ws-1", "sub-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, ingest.StatusPending, page.Items[0].Status)
}

func TestTick_RedispatchesPendingPosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	// First tick records the post but cannot hand it to the crawler.
	submit := &fakeSubmitter{failures: 1}
	ing := newTestIngestor(store, &fakeSource{entries: []ingest.FeedEntry{
		entry("https://example.com/p1"),
	}}, submit)

	require.Error(t, ing.Tick(ctx, "ws-1", "sub-1"))
	require.Empty(t, submit.all())

	// The next tick picks the pending post back up without duplicating it.
	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))

	subs := submit.all()
	require.Len(t, subs, 1)
	require.Equal(t, []string{"https://example.com/p1"}, subs[0].Context.Frontier)

	page, err := store.ListByParent(ctx, "ws-1", "sub-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, ingest.StatusSentToCrawler, page.Items[0].Status)
}

// completingSubmitter finishes the crawl inline, standing in for an
// orchestration that runs to completion before Submit returns.
type completingSubmitter struct {
	store ingest.DocumentStore
}

func (s *completingSubmitter) Submit(ctx context.Context, sub ingest.Submission) error {
	return s.store.UpdateStatus(ctx, sub.WorkspaceID, sub.DocumentID, ingest.StatusProcessed, "")
}

func TestTick_DispatchNeverOverwritesCrawlOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	ing := newTestIngestor(store, &fakeSource{entries: []ingest.FeedEntry{
		entry("https://example.com/p1"),
	}}, &completingSubmitter{store: store})

	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))

	// The handoff status is written before the submission, so a crawl that
	// completes immediately keeps its terminal status.
	page, err := store.ListByParent(ctx, "ws-1", "sub-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, ingest.StatusProcessed, page.Items[0].Status)
}

func TestTick_DuplicateTriggerDeliveryIsHarmless(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	require.NoError(t, store.Put(ctx, subscription(ingest.StatusEnabled)))

	submit := &fakeSubmitter{err: ingest.ErrAlreadyRunning}
	ing := newTestIngestor(store, &fakeSource{entries: []ingest.FeedEntry{
		entry("https://example.com/p1"),
	}}, submit)

	// An in-flight crawl for the same document is not an error for the tick.
	require.NoError(t, ing.Tick(ctx, "ws-1", "sub-1"))
}
