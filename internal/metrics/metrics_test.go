package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, orchestrationsTotal)
}

func TestObserveOrchestration(t *testing.T) {
	Init()

	before := testutil.ToFloat64(orchestrationsTotal.WithLabelValues("processed"))
	ObserveOrchestration("processed", 2*time.Second)
	after := testutil.ToFloat64(orchestrationsTotal.WithLabelValues("processed"))
	require.Equal(t, before+1, after)
}

func TestObserveFeedTick(t *testing.T) {
	Init()

	ticksBefore := testutil.ToFloat64(feedTicksTotal.WithLabelValues("ok"))
	entriesBefore := testutil.ToFloat64(feedEntriesDiscoveredTotal)

	ObserveFeedTick("ok", 3)
	ObserveFeedTick("ok", 0)

	require.Equal(t, ticksBefore+2, testutil.ToFloat64(feedTicksTotal.WithLabelValues("ok")))
	require.Equal(t, entriesBefore+3, testutil.ToFloat64(feedEntriesDiscoveredTotal))
}

func TestActiveOrchestrationsGauge(t *testing.T) {
	Init()

	base := testutil.ToFloat64(activeOrchestrations)
	IncActiveOrchestrations()
	require.Equal(t, base+1, testutil.ToFloat64(activeOrchestrations))
	DecActiveOrchestrations()
	require.Equal(t, base, testutil.ToFloat64(activeOrchestrations))
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveDocumentCreated("website")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ingest_documents_created_total")
}
