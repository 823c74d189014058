package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerExposesDomainMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/requests", "POST", 500, 20*time.Millisecond)
	ObserveBackendCall("rules", "classify", "ok", 5*time.Millisecond, 0.002)
	ObserveTask("pipeline", "needs_review")
	ObserveReviewEnqueued("doc_processor", "low_confidence")

	body := scrape(t)
	for _, want := range []string{
		`cerberus_http_requests_total{code="500",handler="/api/v1/requests",method="POST"}`,
		`cerberus_http_request_errors_total{handler="/api/v1/requests",method="POST"} 1`,
		`cerberus_backend_invocations_total{backend="rules",kind="classify",outcome="ok"}`,
		`cerberus_backend_cost_total{backend="rules"}`,
		`cerberus_task_outcomes_total{status="needs_review",target="pipeline"}`,
		`cerberus_review_items_total{agent="doc_processor",event="enqueued",value="low_confidence"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
