package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Cerberus-Core/internal/agent"
	"Cerberus-Core/sdk/go/cerberus"
)

func TestRenderAgents(t *testing.T) {
	registry, err := agent.Load("")
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	var buf bytes.Buffer
	renderAgents(&buf, agentsFromBundles(registry.List()))
	out := buf.String()
	for _, name := range []string{"data_entry", "doc_processor", "email_manager"} {
		if !strings.Contains(out, name) {
			t.Fatalf("agent %s missing from table:\n%s", name, out)
		}
	}
}

func TestRenderRequest(t *testing.T) {
	var buf bytes.Buffer
	renderRequest(&buf, &cerberus.Request{
		ID:          "req-1",
		AgentID:     "email_manager",
		Status:      "completed",
		Attempts:    1,
		MaxAttempts: 3,
		Result: &cerberus.Result{
			Status:    "completed",
			Total:     1,
			Succeeded: 1,
			Results: []cerberus.TaskOutcome{{
				TaskID: "draft-1",
				Kind:   "draft",
				Status: "succeeded",
				Result: &cerberus.TaskResult{Text: "Hello,\n\nThank you for your message."},
			}},
		},
	})
	out := buf.String()
	if !strings.Contains(out, "status=completed") || !strings.Contains(out, "draft-1") || !strings.Contains(out, "Hello, Thank you") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRenderReviews(t *testing.T) {
	var buf bytes.Buffer
	renderReviews(&buf, []cerberus.Review{{
		ID:         "rev-1",
		AgentID:    "data_entry",
		Reason:     "low_confidence",
		Resolution: "pending",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	out := buf.String()
	if !strings.Contains(out, "rev-1") || !strings.Contains(out, "2026-01-02T03:04:05Z") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestReadAttachments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readAttachments([]string{path})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Name != "note.txt" || got[0].Content != "hello" {
		t.Fatalf("unexpected attachments: %+v", got)
	}
	if _, err := readAttachments([]string{filepath.Join(dir, "missing.txt")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestReadRecord(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(good, []byte(`{"document_type":"invoice"}`), 0o644)
	_ = os.WriteFile(bad, []byte(`{"document_type":`), 0o644)
	if _, err := readRecord(good); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if _, err := readRecord(bad); err == nil {
		t.Fatalf("expected error for malformed record")
	}
}

func TestClip(t *testing.T) {
	if got := clip("a  b\nc", 10); got != "a b c" {
		t.Fatalf("unexpected clip: %q", got)
	}
	if got := clip("abcdef", 3); got != "abc…" {
		t.Fatalf("unexpected clip: %q", got)
	}
}
