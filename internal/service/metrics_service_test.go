package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceCounters(t *testing.T) {
	m := NewMetricsService()
	m.ObserveHTTPRequest(http.MethodGet, "/api/v1/sessions", http.StatusOK, 20*time.Millisecond)
	m.ObserveHTTPRequest(http.MethodGet, "/api/v1/sessions", http.StatusOK, 40*time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordCacheOperation(false, time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordSessionTransition("accept", OutcomeOK)
	m.RecordSessionTransition("accept", OutcomeConflict)
	m.RecordNotification("SESSION_REQUEST", OutcomeOK)
	m.RecordEventDropped()
	m.RecordReportAttempt("csv", OutcomeRetry, time.Second)
	m.RecordReportAttempt("csv", OutcomeOK, time.Second)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.RequestsTotal)
	assert.InDelta(t, 30.0, snap.AverageRequestDurationMs, 0.001)
	assert.InDelta(t, 2.0/3.0, snap.CacheHitRatio, 0.0001)
	assert.Equal(t, uint64(1), snap.SessionTransitions)
	assert.Equal(t, uint64(1), snap.NotificationsDispatched)
	assert.Equal(t, uint64(1), snap.EventsDropped)
	assert.Equal(t, uint64(1), snap.ReportsFinished)

	body := scrape(t, m)
	assert.Contains(t, body, `bktutor_http_requests_total{method="GET",route="/api/v1/sessions",status="200"} 2`)
	assert.Contains(t, body, `bktutor_sessions_operations_total{operation="accept",outcome="conflict"} 1`)
	assert.Contains(t, body, `bktutor_reports_attempts_total{format="csv",outcome="retry"} 1`)
}

func scrape(t *testing.T, m *MetricsService) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMetricsServiceHandlerExposesNamespace(t *testing.T) {
	m := NewMetricsService()
	m.RecordEventDropped()

	body := scrape(t, m)
	assert.Contains(t, body, "bktutor_events_dropped_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	m.ObserveHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordReportAttempt("pdf", OutcomeError, time.Millisecond)
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
	assert.Nil(t, m.Registry())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
