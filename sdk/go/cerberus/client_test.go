package cerberus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Cerberus-Core/internal/agent"
	"Cerberus-Core/internal/api"
	"Cerberus-Core/internal/auth"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/request"
	"Cerberus-Core/internal/review"
)

type fixture struct {
	client   *Client
	requests *request.Service
	store    *request.MemoryStore
	reviews  *review.Service
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	registry, err := agent.Load("")
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	store := request.NewMemoryStore()
	requests := request.NewService(store, request.NewMemoryQueue(16), 3)
	reviews := review.NewService(review.NewMemoryStore(), nil)
	srv := httptest.NewServer(api.NewServer(":0", requests, reviews, registry, opts...).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return &fixture{client: client, requests: requests, store: store, reviews: reviews}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://bad"} {
		if _, err := NewClient(raw, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSubmitGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.client.SubmitRequest(ctx, Submission{
		ID:          "req-1",
		AgentID:     "email_manager",
		Description: "draft a reply",
		Attachments: []Attachment{{Name: "mail.eml", Content: "Subject: hello"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.ID != "req-1" || req.Status != "pending" || req.MaxAttempts != 3 {
		t.Fatalf("unexpected request: %+v", req)
	}

	got, err := f.client.GetRequest(ctx, "req-1")
	if err != nil || got.AgentID != "email_manager" {
		t.Fatalf("get: %+v %v", got, err)
	}

	list, err := f.client.ListRequests(ctx, RequestFilter{Agent: "email_manager", Statuses: []string{"pending", "running"}})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
	if list, _ := f.client.ListRequests(ctx, RequestFilter{Agent: "data_entry"}); len(list) != 0 {
		t.Fatalf("filter by agent should exclude request, got %d", len(list))
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.GetRequest(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != string(request.CodeRequestNotFound) {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := f.client.SubmitRequest(ctx, Submission{AgentID: "email_manager", Description: "summarize"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		if _, err := f.store.Claim(context.Background(), req.ID); err != nil {
			return
		}
		_ = f.store.Finish(context.Background(), req.ID, request.Outcome{Status: request.StatusCompleted})
	}()

	done, err := f.client.WaitRequest(ctx, req.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "completed" || !done.Settled() {
		t.Fatalf("unexpected final state: %+v", done)
	}
}

func TestReviewsAndAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := &review.Item{
		AgentID: "data_entry",
		Reason:  review.ReasonValidationFailure,
		Detail:  "total does not match line items",
		Record: &record.ExtractedRecord{
			DocumentID:   "doc-1",
			DocumentType: "invoice",
			AgentID:      "data_entry",
			Fields:       []record.Field{{Name: "total", Value: "100", Confidence: 0.9}},
		},
	}
	if err := f.reviews.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := f.client.ListReviews(ctx, ReviewFilter{Agent: "data_entry", Resolution: "pending"})
	if err != nil || len(pending) != 1 || pending[0].Reason != "validation_failure" {
		t.Fatalf("list reviews: %+v %v", pending, err)
	}

	corrected, _ := json.Marshal(record.ExtractedRecord{
		DocumentType: "invoice",
		Fields:       []record.Field{{Name: "total", Value: "120", Confidence: 1}},
	})
	resolved, err := f.client.ResolveReview(ctx, item.ID, Resolution{Resolution: "corrected", Record: corrected, Note: "fixed total"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution != "corrected" || !resolved.Archived || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved item: %+v", resolved)
	}

	_, err = f.client.ResolveReview(ctx, item.ID, Resolution{Resolution: "accepted"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second resolution, got %v", err)
	}

	agents, err := f.client.ListAgents(ctx)
	if err != nil || len(agents) != 3 {
		t.Fatalf("list agents: %+v %v", agents, err)
	}
}

func TestAccessTokenIsSent(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Tokens: []auth.Token{{Name: "ci", Token: "s3cret"}}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	f := newFixture(t, api.WithAuth(svc))
	ctx := context.Background()

	_, err = f.client.ListAgents(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	f.client.SetAccessToken("s3cret")
	if f.client.AccessToken() != "s3cret" {
		t.Fatalf("token not stored")
	}
	if _, err := f.client.ListAgents(ctx); err != nil {
		t.Fatalf("list agents with token: %v", err)
	}
}
