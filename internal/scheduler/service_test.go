package scheduler

import (
	"context"
	"errors"
	"fmt"
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

type triggerState struct {
	interval time.Duration
	payload  ingest.TriggerPayload
	enabled  bool
}

type fakeTriggerBackend struct {
	mu        sync.Mutex
	triggers  map[string]*triggerState
	createErr error
}

func newFakeTriggerBackend() *fakeTriggerBackend {
	return &fakeTriggerBackend{triggers: make(map[string]*triggerState)}
}

func (b *fakeTriggerBackend) CreateRecurring(
	_ context.Context,
	name string,
	interval time.Duration,
	payload ingest.TriggerPayload,
) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	b.triggers[name] = &triggerState{interval: interval, payload: payload, enabled: true}
	return nil
}

func (b *fakeTriggerBackend) Enable(_ context.Context, name string) error {
	return b.setEnabled(name, true)
}

func (b *fakeTriggerBackend) Disable(_ context.Context, name string) error {
	return b.setEnabled(name, false)
}

func (b *fakeTriggerBackend) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.triggers[name]; !ok {
		return fmt.Errorf("trigger %q not found", name)
	}
	delete(b.triggers, name)
	return nil
}

func (b *fakeTriggerBackend) setEnabled(name string, v bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.triggers[name]
	if !ok {
		return fmt.Errorf("trigger %q not found", name)
	}
	state.enabled = v
	return nil
}

func (b *fakeTriggerBackend) get(name string) (triggerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.triggers[name]
	if !ok {
		return triggerState{}, false
	}
	return *state, true
}

type sequenceIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *sequenceIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(store ingest.DocumentStore, triggers ingest.TriggerBackend) *Service {
	return New(store, triggers, &sequenceIDGen{}, fixedClock{now: time.Unix(1000, 0)},
		Config{Interval: time.Hour, PageSize: 2}, zap.NewNop())
}

func TestTriggerName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ws-1.Daily_20News", TriggerName("ws-1", "Daily News"))
	require.Equal(t, "ws-1.plain", TriggerName("ws-1", "plain"))
}

func TestSubscribe_CreatesDocumentAndTrigger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	triggers := newFakeTriggerBackend()
	svc := newTestService(store, triggers)

	id, err := svc.Subscribe(ctx, "ws-1", "https://example.com/feed.xml", "Daily News")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, "ws-1", id)
	require.NoError(t, err)
	require.Equal(t, ingest.TypeRSSFeed, doc.Type)
	require.Equal(t, ingest.StatusEnabled, doc.Status)
	require.Equal(t, "https://example.com/feed.xml", doc.Path)

	state, ok := triggers.get("ws-1.Daily_20News")
	require.True(t, ok)
	require.True(t, state.enabled)
	require.Equal(t, time.Hour, state.interval)
	require.Equal(t, ingest.TriggerPayload{WorkspaceID: "ws-1", SubscriptionID: id}, state.payload)
}

func TestSubscribe_IsIdempotentByTitle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	triggers := newFakeTriggerBackend()
	svc := newTestService(store, triggers)

	first, err := svc.Subscribe(ctx, "ws-1", "https://example.com/feed.xml", "Daily News")
	require.NoError(t, err)
	second, err := svc.Subscribe(ctx, "ws-1", "https://example.com/feed-v2.xml", "Daily News")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// The replacement carries the updated URL; only one subscription exists.
	page, err := svc.List(ctx, "ws-1", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "https://example.com/feed-v2.xml", page.Items[0].Path)
}

func TestSubscribe_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(storememory.NewDocumentStore(), newFakeTriggerBackend())

	_, err := svc.Subscribe(ctx, "ws-1", "ftp://example.com/feed", "News")
	require.ErrorIs(t, err, ingest.ErrInvalidInput)

	_, err = svc.Subscribe(ctx, "ws-1", "https://example.com/feed.xml", "   ")
	require.ErrorIs(t, err, ingest.ErrInvalidInput)
}

func TestSubscribe_TriggerFailureRollsBackDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	triggers := newFakeTriggerBackend()
	triggers.createErr = errors.New("scheduler unavailable")
	svc := newTestService(store, triggers)

	_, err := svc.Subscribe(ctx, "ws-1", "https://example.com/feed.xml", "News")
	require.Error(t, err)

	page, err := svc.List(ctx, "ws-1", "")
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestDisableEnable_MirrorsTriggerAndDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	triggers := newFakeTriggerBackend()
	svc := newTestService(store, triggers)

	id, err := svc.Subscribe(ctx, "ws-1", "https://example.com/feed.xml", "News")
	require.NoError(t, err)

	require.NoError(t, svc.Disable(ctx, "ws-1", id))
	state, ok := triggers.get("ws-1.News")
	require.True(t, ok, "disabled trigger must stay registered")
	require.False(t, state.enabled)
	doc, err := store.Get(ctx, "ws-1", id)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusDisabled, doc.Status)

	require.NoError(t, svc.Enable(ctx, "ws-1", id))
	state, _ = triggers.get("ws-1.News")
	require.True(t, state.enabled)
	doc, err = store.Get(ctx, "ws-1", id)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusEnabled, doc.Status)
}

func TestDelete_RemovesTriggerKeepsPosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	triggers := newFakeTriggerBackend()
	svc := newTestService(store, triggers)

	id, err := svc.Subscribe(ctx, "ws-1", "https://example.com/feed.xml", "News")
	require.NoError(t, err)

	post := ingest.Document{
		WorkspaceID: "ws-1",
		DocumentID:  "post-1",
		Type:        ingest.TypeRSSPost,
		ParentID:    id,
		Path:        "https://example.com/post-1",
		Status:      ingest.StatusProcessed,
	}
	require.NoError(t, store.Put(ctx, post))

	require.NoError(t, svc.Delete(ctx, "ws-1", id))

	_, ok := triggers.get("ws-1.News")
	require.False(t, ok)
	_, err = svc.Get(ctx, "ws-1", id)
	require.Error(t, err)

	// Discovered posts outlive their subscription.
	got, err := store.Get(ctx, "ws-1", "post-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusProcessed, got.Status)
}

func TestGet_RejectsNonSubscriptionDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	svc := newTestService(store, newFakeTriggerBackend())

	require.NoError(t, store.Put(ctx, ingest.Document{
		WorkspaceID: "ws-1",
		DocumentID:  "site-1",
		Type:        ingest.TypeWebsite,
		Path:        "https://example.com",
		Status:      ingest.StatusProcessed,
	}))

	_, err := svc.Get(ctx, "ws-1", "site-1")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestSubscribe_FindsTitleBeyondFirstPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDocumentStore()
	triggers := newFakeTriggerBackend()
	svc := newTestService(store, triggers)

	// PageSize is 2; the third subscription forces cursor traversal.
	var last string
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		id, err := svc.Subscribe(ctx, "ws-1", "https://example.com/"+title, title)
		require.NoError(t, err)
		last = id
	}

	again, err := svc.Subscribe(ctx, "ws-1", "https://example.com/Gamma", "Gamma")
	require.NoError(t, err)
	require.Equal(t, last, again)
}
