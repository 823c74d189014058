package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/document"
	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/memory"
	"Cerberus-Core/internal/pipeline"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/internal/router"
	"Cerberus-Core/internal/sink"
)

func TestBuiltinBundlesAreValid(t *testing.T) {
	bundles, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	names := map[string]*Bundle{}
	for _, b := range bundles {
		names[b.Name] = b
	}
	for _, want := range []string{"email_manager", "data_entry", "doc_processor"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("missing builtin %s", want)
		}
	}

	email := names["email_manager"]
	if email.Profile() != nil {
		t.Fatalf("email manager has no document types")
	}
	if email.Budget.MaxLatency != 30*time.Second {
		t.Fatalf("budget latency not decoded: %v", email.Budget.MaxLatency)
	}

	docs := names["doc_processor"].Profile()
	if docs == nil || docs.DestinationFor("contracts") != "legal/contracts" {
		t.Fatalf("filing rules not applied: %+v", docs)
	}
	entry := names["data_entry"].Profile()
	invoice, ok := entry.Type("invoice")
	if !ok || invoice.Destination != "invoices" || len(invoice.Rules) != 2 {
		t.Fatalf("unexpected invoice schema: %+v", invoice)
	}
}

func TestParseRejectsInvalidBundles(t *testing.T) {
	cases := map[string]string{
		"name":    "type: custom\n",
		"type":    "name: x\ntype: robot\n",
		"kind":    "name: x\nactions:\n  - name: a\n    kind: translate\n",
		"target":  "name: x\nactions:\n  - name: a\n    kind: extract\n    target: pipeline\n",
		"filing":  "name: x\nfiling:\n  invoices: somewhere\n",
		"default": "name: x\ndefault: missing\nactions:\n  - name: a\n    kind: draft\n",
		"review":  "name: x\nthresholds:\n  review: sometimes\n",
		"regex":   "name: x\ndocument_types:\n  - name: t\n    fields:\n      - {name: f, pattern: \"(\"}\n",
		"yaml":    "name: [x\n",
		"slash":   "name: mail/triage\ntype: custom\n",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("%s: expected INVALID_ARGUMENT, got %v", name, err)
		}
	}
}

func TestMatchPrefersExplicitActionThenKeywords(t *testing.T) {
	b := mustBuiltin(t, "email_manager")

	if a, ok := b.Match("reply", "triage my inbox"); !ok || a.Name != "reply" {
		t.Fatalf("explicit action should win: %+v", a)
	}
	if a, _ := b.Match("", "Please draft a reply to Bob"); a.Name != "reply" {
		t.Fatalf("keyword match failed: %s", a.Name)
	}
	if a, _ := b.Match("", "What are my follow-up action items?"); a.Name != "action_items" {
		t.Fatalf("keyword match failed: %s", a.Name)
	}
	if a, _ := b.Match("", "Prioritize my inbox"); a.Name != "prioritize" {
		t.Fatalf("keyword match failed: %s", a.Name)
	}
	if a, _ := b.Match("", "Triage my inbox"); a.Name != "triage" {
		t.Fatalf("keyword match failed: %s", a.Name)
	}
	if a, _ := b.Match("", "hello"); a.Name != "triage" {
		t.Fatalf("default action expected, got %s", a.Name)
	}
	if _, ok := b.Match("delete-everything", ""); ok {
		t.Fatalf("unknown explicit action must not match")
	}
}

func TestLoadDirOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	override := "name: email_manager\ntype: email_manager\nenabled: false\nactions:\n  - name: triage\n    kind: classify\n"
	custom := "name: weekly\ntype: custom\nactions:\n  - name: digest\n    kind: summarize\n"
	if err := os.WriteFile(filepath.Join(dir, "email.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "weekly.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(reg.List()); got != 4 {
		t.Fatalf("expected 3 builtins plus 1 custom, got %d", got)
	}
	if _, err := reg.Resolve("email_manager"); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("disabled agent should be rejected, got %v", err)
	}
	if _, err := reg.Resolve("nobody"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: ''\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	before := len(reg.List())
	if _, err := reg.LoadDir(dir); err == nil {
		t.Fatalf("expected error for broken bundle")
	}
	if len(reg.List()) != before {
		t.Fatalf("a failed load must not change the registry")
	}
}

func TestPlannerFansOutWithTerminalSummary(t *testing.T) {
	reg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	p := NewPlanner(reg)
	inputs := []*document.Document{
		document.New("a.eml", []byte("Subject: Server down\n\nProduction is down, urgent."), nil),
		document.New("b.eml", []byte("Subject: Lunch\n\nPizza on Friday?"), nil),
		document.New("c.eml", []byte("Subject: Receipt\n\nYour order #123."), nil),
	}
	plan, err := p.Plan(context.Background(), engine.Request{AgentID: "email_manager", Description: "Triage my inbox and give me a daily summary", Inputs: inputs})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Tasks) != 4 {
		t.Fatalf("expected 3 leaves plus summary, got %d", len(plan.Tasks))
	}
	for i, task := range plan.Tasks[:3] {
		if task.Kind != capability.KindClassify || task.Target != engine.TargetRouter || task.Payload.Document != inputs[i] {
			t.Fatalf("unexpected leaf %+v", task)
		}
		if len(task.Params.Labels) != 6 || task.Params.Labels[0] != "urgent" {
			t.Fatalf("categories should become labels: %v", task.Params.Labels)
		}
	}
	summary := plan.Tasks[3]
	if summary.ID != "daily-summary" || len(summary.Dependencies) != 3 || summary.Kind != capability.KindSummarize {
		t.Fatalf("unexpected summary task %+v", summary)
	}
	if plan.Budget.MaxCost != 0.05 || plan.Profile != nil {
		t.Fatalf("unexpected plan metadata: %+v", plan)
	}
}

func TestPlannerRejectsPipelineActionWithoutInputs(t *testing.T) {
	reg, _ := Load("")
	_, err := NewPlanner(reg).Plan(context.Background(), engine.Request{AgentID: "data_entry", Description: "extract the invoices"})
	if !xerrors.IsCode(err, xerrors.CodeInvalidGraph) {
		t.Fatalf("expected INVALID_GRAPH, got %v", err)
	}
}

func TestPlannerPassesExplicitTasksThrough(t *testing.T) {
	reg, _ := Load("")
	tasks := []engine.TaskSpec{{ID: "one", Kind: capability.KindCustom, Payload: engine.Payload{Text: "x"}}}
	plan, err := NewPlanner(reg).Plan(context.Background(), engine.Request{AgentID: "doc_processor", Tasks: tasks})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].ID != "one" || plan.Profile == nil {
		t.Fatalf("explicit tasks not kept: %+v", plan)
	}
}

// scriptedBackend answers every kind deterministically for an invoice-shaped world.
type scriptedBackend struct {
	mu       sync.Mutex
	payloads map[capability.Kind][]string
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) Invoke(_ context.Context, req capability.Request) (*capability.Result, error) {
	s.mu.Lock()
	if s.payloads == nil {
		s.payloads = map[capability.Kind][]string{}
	}
	s.payloads[req.Kind] = append(s.payloads[req.Kind], req.Payload)
	s.mu.Unlock()

	switch req.Kind {
	case capability.KindClassify:
		return &capability.Result{Label: "invoices", Confidence: 0.95, Cost: 0.001}, nil
	case capability.KindExtract:
		return &capability.Result{Fields: map[string]capability.FieldValue{
			"vendor":   {Value: "Acme", Confidence: 0.93},
			"amount":   {Value: "$120.00", Confidence: 0.92},
			"due_date": {Value: "2026-03-01", Confidence: 0.9},
		}, Confidence: 0.92, Cost: 0.002}, nil
	default:
		first := strings.SplitN(strings.TrimSpace(req.Payload), "\n", 2)[0]
		return &capability.Result{Text: "summary of " + first, Confidence: 0.8, Cost: 0.001}, nil
	}
}

func newStack(t *testing.T, backend capability.Backend) (*engine.Engine, *sink.MemorySink, *review.Service) {
	t.Helper()
	reg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	r, err := router.New(capability.NewRegistry(backend), map[capability.Kind][]router.Candidate{
		capability.KindClassify:  {{Backend: backend.Name(), Cost: 0.001, Confidence: 0.9}},
		capability.KindExtract:   {{Backend: backend.Name(), Cost: 0.002, Confidence: 0.9}},
		capability.KindSummarize: {{Backend: backend.Name(), Cost: 0.001, Confidence: 0.8}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ledger := record.NewLedger(memory.NewMemoryStore())
	reviews := review.NewService(review.NewMemoryStore(), ledger)
	out := sink.NewMemorySink()
	p, err := pipeline.New(r, ledger, reviews, pipeline.WithSink(out))
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.New(r,
		engine.WithPlanner(NewPlanner(reg)),
		engine.WithPipeline(p),
		engine.WithReviews(reviews),
		engine.WithRecoveryHandler(engine.NewReviewRecovery(reviews, ledger)),
		engine.WithConfig(engine.Config{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return e, out, reviews
}

func TestDocProcessorFilesInvoicesEndToEnd(t *testing.T) {
	e, out, _ := newStack(t, &scriptedBackend{})
	inputs := []*document.Document{
		document.New("acme-1.txt", []byte("INVOICE 1\nAcme\nAmount: $120.00"), nil),
		document.New("acme-2.txt", []byte("INVOICE 2\nAcme\nAmount: $120.00\nDue 2026-03-01"), nil),
	}
	res, err := e.Execute(context.Background(), engine.Request{AgentID: "doc_processor", Description: "file these documents", Inputs: inputs})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 2 || res.Total != 2 {
		t.Fatalf("unexpected aggregate: %+v", res)
	}
	records := out.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 filed records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Destination != "finance/invoices" || rec.AgentID != "doc_processor" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}

	again, err := e.Execute(context.Background(), engine.Request{AgentID: "doc_processor", Description: "file these documents", Inputs: inputs})
	if err != nil {
		t.Fatalf("execute again: %v", err)
	}
	for _, o := range again.Results {
		if o.Result == nil || !o.Result.Duplicate {
			t.Fatalf("resubmission must be a duplicate: %+v", o)
		}
	}
	if len(out.Records()) != 2 {
		t.Fatalf("no second accepted record may be produced")
	}
}

func TestDocProcessorCombinedReport(t *testing.T) {
	backend := &scriptedBackend{}
	e, _, _ := newStack(t, backend)
	inputs := []*document.Document{
		document.New("q1.md", []byte("Q1 revenue grew 10%."), nil),
		document.New("q2.md", []byte("Q2 revenue grew 12%."), nil),
	}
	res, err := e.Execute(context.Background(), engine.Request{AgentID: "doc_processor", Description: "combined report please", Inputs: inputs})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 3 {
		t.Fatalf("unexpected aggregate: %+v", res)
	}
	last := res.Results[len(res.Results)-1]
	if last.TaskID != "combined-report" {
		t.Fatalf("combined report must be last: %+v", last)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	calls := backend.payloads[capability.KindSummarize]
	final := calls[len(calls)-1]
	if !strings.Contains(final, "summary of Q1 revenue grew 10%.") || !strings.Contains(final, "summary of Q2 revenue grew 12%.") {
		t.Fatalf("combined report input misses leaf outputs:\n%s", final)
	}
}

func mustBuiltin(t *testing.T, name string) *Bundle {
	t.Helper()
	reg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	b, ok := reg.Get(name)
	if !ok {
		t.Fatalf("builtin %s missing", name)
	}
	return b
}

func TestPlannerPriorityLabels(t *testing.T) {
	reg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	inputs := []*document.Document{
		document.New("a.eml", []byte("Subject: Contract due today\n\nPlease sign before 5pm."), nil),
		document.New("b.eml", []byte("Subject: Weekly newsletter\n\nTop stories."), nil),
	}
	plan, err := NewPlanner(reg).Plan(context.Background(), engine.Request{AgentID: "email_manager", Action: "prioritize", Description: "what needs me first", Inputs: inputs})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Tasks) != 3 {
		t.Fatalf("expected 2 leaves plus summary, got %d", len(plan.Tasks))
	}
	for _, task := range plan.Tasks[:2] {
		if task.Kind != capability.KindClassify || strings.Join(task.Params.Labels, ",") != "high,normal,low" {
			t.Fatalf("unexpected priority leaf %+v", task)
		}
	}
	if summary := plan.Tasks[2]; summary.ID != "priority-summary" || len(summary.Dependencies) != 2 {
		t.Fatalf("unexpected summary task %+v", summary)
	}
}
