package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Cerberus-Core/internal/agent"
	"Cerberus-Core/internal/auth"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/request"
	"Cerberus-Core/internal/review"
)

type fixture struct {
	server   *httptest.Server
	requests *request.Service
	store    *request.MemoryStore
	reviews  *review.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := agent.Load("")
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	store := request.NewMemoryStore()
	requests := request.NewService(store, request.NewMemoryQueue(16), 3, request.WithAgentResolver(func(id string) error {
		_, err := registry.Resolve(id)
		return err
	}))
	reviews := review.NewService(review.NewMemoryStore(), nil)
	srv := httptest.NewServer(NewServer(":0", requests, reviews, registry).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, requests: requests, store: store, reviews: reviews}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCreateAndGetRequest(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/requests",
		`{"id":"req-1","agent_id":"email_manager","description":"triage my inbox","attachments":[{"name":"a.eml","content":"Subject: hi"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %v", resp.StatusCode, body)
	}
	if body["id"] != "req-1" || body["status"] != "pending" {
		t.Fatalf("unexpected body: %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/requests/req-1", "")
	if resp.StatusCode != http.StatusOK || body["agent_id"] != "email_manager" {
		t.Fatalf("unexpected detail %d: %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/requests?agent=email_manager&status=pending", "")
	list, _ := body["requests"].([]any)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("unexpected list %d: %v", resp.StatusCode, body)
	}
}

func TestCreateRequestErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing agent", `{"description":"x"}`, http.StatusBadRequest, string(request.CodeRequestValidation)},
		{"unknown agent", `{"agent_id":"ghost","description":"x"}`, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/v1/requests", tc.body)
			if resp.StatusCode != tc.status || errorCode(body) != tc.code {
				t.Fatalf("got %d %v, want %d %s", resp.StatusCode, body, tc.status, tc.code)
			}
		})
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/requests/missing", "")
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != string(request.CodeRequestNotFound) {
		t.Fatalf("unexpected missing detail: %d %v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/requests", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestReviewRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := &review.Item{
		ID:      "rv-1",
		AgentID: "data_entry",
		Reason:  review.ReasonLowConfidence,
		Record: &record.ExtractedRecord{
			DocumentID:   "doc-1",
			DocumentType: "invoice",
			AgentID:      "data_entry",
			Fields:       []record.Field{{Name: "total", Value: "120.00", Confidence: 0.5}},
		},
	}
	if err := f.reviews.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/reviews?agent=data_entry&resolution=pending", "")
	list, _ := body["reviews"].([]any)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("unexpected review list %d: %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/reviews/rv-1", "")
	if resp.StatusCode != http.StatusOK || body["reason"] != "low_confidence" {
		t.Fatalf("unexpected review detail %d: %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/reviews/rv-1/resolve", `{"resolution":"maybe"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown resolution should be rejected, got %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/api/v1/reviews/rv-1/resolve", `{"resolution":"corrected"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("corrected without record should be rejected, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/reviews/rv-1/resolve", `{"resolution":"accepted","note":"looks right"}`)
	if resp.StatusCode != http.StatusOK || body["resolution"] != "accepted" || body["archived"] != true {
		t.Fatalf("unexpected resolve %d: %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/api/v1/reviews/rv-1/resolve", `{"resolution":"rejected"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second resolution should conflict, got %d %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/reviews/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAgentsHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/agents", "")
	agents, _ := body["agents"].([]any)
	if resp.StatusCode != http.StatusOK || len(agents) != 3 {
		t.Fatalf("unexpected agents %d: %v", resp.StatusCode, body)
	}
	first, _ := agents[0].(map[string]any)
	if first["name"] != "data_entry" || first["enabled"] != true {
		t.Fatalf("agents should be sorted by name: %v", agents)
	}

	if _, err := f.requests.Submit(context.Background(), request.Submission{AgentID: "email_manager", Description: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp, body = f.do(t, http.MethodGet, "/healthz", "")
	stats, _ := body["requests"].(map[string]any)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || stats["pending"] != float64(1) {
		t.Fatalf("unexpected health %d: %v", resp.StatusCode, body)
	}

	metricsResp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(metricsResp.Body)
	if metricsResp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "cerberus_http_requests_total") {
		t.Fatalf("metrics endpoint missing http counters: %d", metricsResp.StatusCode)
	}
}

func TestAuthProtectsBusinessRoutes(t *testing.T) {
	registry, err := agent.Load("")
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	authSvc, err := auth.NewService(auth.Config{Tokens: []auth.Token{
		{Name: "alice", Token: "reviewer-token", Permissions: []string{"reviews:*"}},
	}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	reviews := review.NewService(review.NewMemoryStore(), nil)
	item := &review.Item{
		AgentID: "data_entry",
		Reason:  review.ReasonPolicyFlag,
		Record:  &record.ExtractedRecord{DocumentID: "doc-9", DocumentType: "contact", AgentID: "data_entry"},
	}
	if err := reviews.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	requests := request.NewService(request.NewMemoryStore(), request.NewMemoryQueue(4), 3)
	srv := httptest.NewServer(NewServer(":0", requests, reviews, registry, WithAuth(authSvc)).Handler())
	defer srv.Close()

	call := func(method, path, token, body string) *http.Response {
		req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := call(http.MethodGet, "/api/v1/reviews", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := call(http.MethodPost, "/api/v1/requests", "reviewer-token", `{"agent_id":"data_entry","description":"x"}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", resp.StatusCode)
	}
	if resp := call(http.MethodGet, "/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", resp.StatusCode)
	}
	if resp := call(http.MethodPost, "/api/v1/reviews/"+item.ID+"/resolve", "reviewer-token", `{"resolution":"rejected","note":"spam"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected resolve to succeed, got %d", resp.StatusCode)
	}
	got, err := reviews.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if got.Note != "[alice] spam" {
		t.Fatalf("resolver should be recorded in the note, got %q", got.Note)
	}
}
