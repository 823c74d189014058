package request

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "Cerberus-Core/internal/errors"
)

type failingProducer struct{ err error }

func (p failingProducer) Publish(context.Context, string) error { return p.err }
func (p failingProducer) Close() error                          { return nil }

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	svc := NewService(store, queue, 0)

	first, err := svc.Submit(ctx, Submission{ID: "req-1", AgentID: "email_manager", Description: "triage my inbox"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != StatusPending || first.MaxAttempts != 3 {
		t.Fatalf("unexpected request: %+v", first)
	}
	second, err := svc.Submit(ctx, Submission{ID: "req-1", AgentID: "email_manager", Description: "something else"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Description != "triage my inbox" {
		t.Fatalf("resubmission should return the stored request, got %+v", second)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected a single publish, got %d", queue.Len())
	}

	generated, err := svc.Submit(ctx, Submission{AgentID: "email_manager", Description: "summarize"})
	if err != nil {
		t.Fatalf("submit without id: %v", err)
	}
	if generated.ID == "" || generated.ID == "req-1" {
		t.Fatalf("expected generated id, got %q", generated.ID)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	cases := []Submission{
		{Description: "no agent"},
		{AgentID: "email_manager"},
		{AgentID: "email_manager", Description: "x", Inputs: []string{" "}},
		{AgentID: "email_manager", Description: "x", Attachments: []Attachment{{Content: "body"}}},
	}
	for i, sub := range cases {
		if _, err := svc.Submit(context.Background(), sub); !xerrors.IsCode(err, CodeRequestValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestServiceSubmitChecksAgent(t *testing.T) {
	missing := xerrors.New(xerrors.CodeNotFound, "智能体不存在: ghost")
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1), 3, WithAgentResolver(func(id string) error {
		if id == "ghost" {
			return missing
		}
		return nil
	}))
	if _, err := svc.Submit(context.Background(), Submission{AgentID: "ghost", Description: "x"}); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := svc.Submit(context.Background(), Submission{AgentID: "email_manager", Description: "x"}); err != nil {
		t.Fatalf("known agent rejected: %v", err)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{err: errors.New("broker down")}, 3)

	_, err := svc.Submit(ctx, Submission{ID: "req-1", AgentID: "email_manager", Description: "x"})
	if !xerrors.IsCode(err, CodeRequestPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	req, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Status != StatusFailed || !req.Settled() || req.ErrorCode != string(CodeRequestPublish) {
		t.Fatalf("unexpected stored request: %+v", req)
	}
}

func TestServiceWaitUntilSettled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryQueue(1), 3)
	req, err := svc.Submit(ctx, Submission{AgentID: "email_manager", Description: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Finish(context.Background(), req.ID, Outcome{Status: StatusCompleted})
	}()
	done, err := svc.WaitUntilSettled(ctx, req.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("unexpected status %s", done.Status)
	}
}
