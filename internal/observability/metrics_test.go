package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry(), zerolog.Nop())
}

func TestConnectionLifecycleCounters(t *testing.T) {
	m := newTestMetrics(t)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed("closed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !contains(body, "live_components_connections_active") {
		t.Fatalf("expected connections_active gauge in output, got:\n%s", body)
	}
}

func TestRecordCleanupTracksAverageDuration(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCleanup(true, 10*time.Millisecond)
	m.RecordCleanup(true, 30*time.Millisecond)
	m.RecordCleanup(false, 0)

	avg := m.AverageCleanupDuration()
	if avg <= 0 {
		t.Fatalf("expected a positive average cleanup duration, got %s", avg)
	}
}

func TestReportIssueAccumulatesAndIsReadable(t *testing.T) {
	m := newTestMetrics(t)
	m.ReportIssue("excessive_update_frequency", "counter-1", "120 commits within 1s")
	m.ReportIssue("excessive_update_frequency", "counter-2", "80 commits within 1s")

	issues := m.Issues()
	if len(issues) != 2 {
		t.Fatalf("expected 2 recorded issues, got %d", len(issues))
	}
	if issues[0].ComponentID != "counter-1" || issues[1].ComponentID != "counter-2" {
		t.Fatalf("unexpected issue ordering: %+v", issues)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
