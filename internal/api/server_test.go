package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/clock/system"
	"github.com/feedmill/ingestd/internal/config"
	"github.com/feedmill/ingestd/internal/dispatcher"
	"github.com/feedmill/ingestd/internal/id/uuid"
	"github.com/feedmill/ingestd/internal/ingest"
	lockmemory "github.com/feedmill/ingestd/internal/lock/memory"
	"github.com/feedmill/ingestd/internal/metrics"
	queuememory "github.com/feedmill/ingestd/internal/queue/memory"
	"github.com/feedmill/ingestd/internal/scheduler"
	storememory "github.com/feedmill/ingestd/internal/store/memory"
	crontrigger "github.com/feedmill/ingestd/internal/trigger/cron"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type testEnv struct {
	server *Server
	store  *storememory.DocumentStore
	queue  *queuememory.Queue
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := storememory.NewDocumentStore()
	clock := system.New()
	queue := queuememory.NewQueue(16)
	locker := lockmemory.New(clock)
	dispatch := dispatcher.New(queue, locker, nil, dispatcher.Config{LockTTL: time.Minute}, logger)
	triggers := crontrigger.New(func(_ context.Context, _ ingest.TriggerPayload) {}, logger)
	sched := scheduler.New(store, triggers, uuid.NewUUIDGenerator(), clock,
		scheduler.Config{Interval: time.Hour}, logger)
	if cfg.Crawler.DefaultLimit == 0 {
		cfg.Crawler.DefaultLimit = 50
	}
	return &testEnv{
		server: NewServer(store, dispatch, sched, uuid.NewUUIDGenerator(), clock, cfg, logger),
		store:  store,
		queue:  queue,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	h := env.server.Handler()

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/metrics", nil).Code)
}

func TestSubmitWebsite(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/workspaces/ws-1/documents/website",
		map[string]any{"url": "https://example.com", "title": "Example"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	require.Equal(t, "ws-1", resp["workspace_id"])
	require.NotEmpty(t, resp["document_id"])
	require.Equal(t, "pending", resp["status"])

	doc, err := env.store.Get(context.Background(), "ws-1", resp["document_id"])
	require.NoError(t, err)
	require.Equal(t, ingest.TypeWebsite, doc.Type)
	require.Equal(t, ingest.StatusPending, doc.Status)

	// The submission is on the queue with the crawl continuation seeded.
	sub, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, resp["document_id"], sub.DocumentID)
	require.Equal(t, []string{"https://example.com"}, sub.Context.Frontier)
	require.Equal(t, 50, sub.Context.Limit)
	require.True(t, sub.Context.FollowLinks)
}

func TestSubmitWebsite_InvalidURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	h := env.server.Handler()

	for _, body := range []map[string]any{
		{"url": ""},
		{"url": "ftp://example.com"},
		{"url": "not a url at all", "title": "x"},
	} {
		rec := doJSON(t, h, http.MethodPost, "/v1/workspaces/ws-1/documents/website", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	// Validation failures create no documents.
	page, err := env.store.ListByType(context.Background(), "ws-1", ingest.TypeWebsite, "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestListDocuments_RequiresType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/workspaces/ws-1/documents/", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDocuments_CursorRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	h := env.server.Handler()
	ctx := context.Background()

	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, env.store.Put(ctx, ingest.Document{
			WorkspaceID: "ws-1",
			DocumentID:  id,
			Type:        ingest.TypeWebsite,
			Path:        "https://example.com/" + id,
			Status:      ingest.StatusProcessed,
		}))
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/documents/?type=website", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page ingest.DocumentPage
	decode(t, rec, &page)
	require.Len(t, page.Items, 2)
	require.Empty(t, page.NextCursor)

	rec = doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/documents/?type=website&last_document_id=d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	require.Len(t, page.Items, 1)
	require.Equal(t, "d2", page.Items[0].DocumentID)
}

func TestGetDocument_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/v1/workspaces/ws-1/documents/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/workspaces/ws-1/rss",
		map[string]any{"url": "https://example.com/feed.xml", "title": "News"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	decode(t, rec, &created)
	subscriptionID := created["subscription_id"]
	require.NotEmpty(t, subscriptionID)

	rec = doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/rss/"+subscriptionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc ingest.Document
	decode(t, rec, &doc)
	require.Equal(t, ingest.StatusEnabled, doc.Status)

	rec = doJSON(t, h, http.MethodPost, "/v1/workspaces/ws-1/rss/"+subscriptionID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/rss/"+subscriptionID, nil)
	decode(t, rec, &doc)
	require.Equal(t, ingest.StatusDisabled, doc.Status)

	rec = doJSON(t, h, http.MethodPost, "/v1/workspaces/ws-1/rss/"+subscriptionID+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/rss/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page ingest.DocumentPage
	decode(t, rec, &page)
	require.Len(t, page.Items, 1)

	rec = doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/rss/"+subscriptionID+"/posts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/workspaces/ws-1/rss/"+subscriptionID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/rss/"+subscriptionID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribe_InvalidFeedURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/v1/workspaces/ws-1/rss",
		map[string]any{"url": "gopher://example.com", "title": "News"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	env := newTestEnv(t, cfg)
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/workspaces/ws-1/rss/", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/rss/", nil)
	req.Header.Set("X-API-Key", "sekret")
	good := httptest.NewRecorder()
	h.ServeHTTP(good, req)
	require.Equal(t, http.StatusOK, good.Code)

	// Health endpoints stay open.
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/healthz", nil).Code)
}
