package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ChatRequest("ok")
	m.StreamFinished(time.Second)
	m.TokensRecorded(1, 2, true)
	m.PersistenceFailure("save_user_message", "best_effort")
	m.UsageEvent("published")
	m.HTTPRequest("GET", "/api/health", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.TokensRecorded(10, 5, false)
	m.TokensRecorded(3, 1, true)
	m.PersistenceFailure("save_user_message", "best_effort")

	if got := testutil.ToFloat64(m.tokensRecorded.WithLabelValues("prompt", "reported")); got != 10 {
		t.Errorf("Expected 10 reported prompt tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokensRecorded.WithLabelValues("completion", "estimated")); got != 1 {
		t.Errorf("Expected 1 estimated completion token, got %v", got)
	}
	if got := testutil.ToFloat64(m.persistenceFailures.WithLabelValues("save_user_message", "best_effort")); got != 1 {
		t.Errorf("Expected 1 persistence failure, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ChatRequest("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chat_requests_total{outcome="ok"} 1`) {
		t.Errorf("Expected chat_requests_total in output")
	}
}
