package review

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/memory"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/sink"
)

type flakySink struct {
	*sink.MemorySink
	fail atomic.Bool
}

func (f *flakySink) Write(ctx context.Context, rec *record.ExtractedRecord) error {
	if f.fail.Load() {
		return sink.Failure("flaky", errors.New("disk full"), "写入失败", rec)
	}
	return f.MemorySink.Write(ctx, rec)
}

func lowConfidenceItem() *Item {
	return &Item{
		AgentID: "data_entry",
		Reason:  ReasonLowConfidence,
		Record: &record.ExtractedRecord{
			DocumentID:   "doc-1",
			DocumentType: "invoices",
			AgentID:      "data_entry",
			Sender:       "billing@acme.com",
			Destination:  "invoices",
			Fields: []record.Field{
				{Name: "vendor", Value: "Acme", Confidence: 0.9},
				{Name: "total", Value: "10.0O", Confidence: 0.4},
			},
			OverallConfidence: 0.4,
		},
	}
}

func newService(t *testing.T) (*Service, *flakySink, *record.Ledger) {
	t.Helper()
	ledger := record.NewLedger(memory.NewMemoryStore())
	s := &flakySink{MemorySink: sink.NewMemorySink()}
	return NewService(NewMemoryStore(), ledger, WithSink(s)), s, ledger
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	svc, _, _ := newService(t)
	item := lowConfidenceItem()
	if err := svc.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.ID == "" || item.DocumentID != "doc-1" || item.Resolution != ResolutionPending || item.CreatedAt.IsZero() {
		t.Fatalf("unexpected item: %+v", item)
	}
	if err := svc.Enqueue(context.Background(), &Item{AgentID: "a", Reason: "whatever"}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown reason should be rejected: %v", err)
	}
}

func TestResolveCorrectedWritesSinkLedgerAndHints(t *testing.T) {
	ctx := context.Background()
	svc, s, ledger := newService(t)
	item := lowConfidenceItem()
	_ = svc.Enqueue(ctx, item)

	corrected := item.Record.Clone()
	corrected.Set("total", "10.00", 1)
	resolved, err := svc.Resolve(ctx, item.ID, ResolutionCorrected, corrected, "typo in total")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution != ResolutionCorrected || !resolved.Archived || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved item: %+v", resolved)
	}

	records := s.Records()
	if len(records) != 1 || records[0].OverallConfidence != 1 {
		t.Fatalf("corrected record should reach the sink: %+v", records)
	}
	if f, _ := records[0].Field("total"); f.Value != "10.00" {
		t.Fatalf("sink should receive corrected value: %+v", f)
	}

	outcome, found, _ := ledger.Outcome(ctx, "data_entry", "doc-1")
	if !found || outcome.Status != record.OutcomeResolved || outcome.ReviewID != item.ID {
		t.Fatalf("ledger not updated: %+v", outcome)
	}
	hints, _ := ledger.FieldHints(ctx, "data_entry", "invoices")
	if hints["total"] == "" || hints["vendor"] != "" {
		t.Fatalf("unexpected hints: %+v", hints)
	}
	sender, found, _ := ledger.SenderHint(ctx, "data_entry", "billing@acme.com")
	if !found || sender.DocumentType != "invoices" {
		t.Fatalf("sender hint missing: %+v", sender)
	}

	if _, err := svc.Resolve(ctx, item.ID, ResolutionAccepted, nil, ""); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("second resolution should conflict, got %v", err)
	}
	if pending, _ := svc.List(ctx); len(pending) != 0 {
		t.Fatalf("archived items should be hidden by default: %d", len(pending))
	}
}

func TestResolveValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	item := lowConfidenceItem()
	_ = svc.Enqueue(ctx, item)

	if _, err := svc.Resolve(ctx, item.ID, ResolutionCorrected, nil, ""); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("corrected without record should be invalid: %v", err)
	}
	if _, err := svc.Resolve(ctx, item.ID, ResolutionPending, nil, ""); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("pending is not a resolution: %v", err)
	}
	if _, err := svc.Resolve(ctx, "missing", ResolutionRejected, nil, ""); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("missing item should be not found: %v", err)
	}
}

func TestResolveRejectedSkipsSink(t *testing.T) {
	ctx := context.Background()
	svc, s, ledger := newService(t)
	item := lowConfidenceItem()
	_ = svc.Enqueue(ctx, item)

	if _, err := svc.Resolve(ctx, item.ID, ResolutionRejected, nil, "spam"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Writes() != 0 {
		t.Fatalf("rejected records must not be written")
	}
	outcome, _, _ := ledger.Outcome(ctx, "data_entry", "doc-1")
	if outcome.Status != record.OutcomeResolved || outcome.Record != nil {
		t.Fatalf("rejected outcome should carry no record: %+v", outcome)
	}
}

func TestResolveSinkFailureReopensItem(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newService(t)
	item := lowConfidenceItem()
	_ = svc.Enqueue(ctx, item)

	s.fail.Store(true)
	if _, err := svc.Resolve(ctx, item.ID, ResolutionAccepted, nil, ""); !xerrors.IsCode(err, xerrors.CodeSinkFailure) {
		t.Fatalf("expected SINK_FAILURE, got %v", err)
	}
	got, _ := svc.Get(ctx, item.ID)
	if !got.Pending() || got.Archived {
		t.Fatalf("item should be pending again: %+v", got)
	}

	s.fail.Store(false)
	if _, err := svc.Resolve(ctx, item.ID, ResolutionAccepted, nil, ""); err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
}

func TestConcurrentResolveOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newService(t)
	item := lowConfidenceItem()
	_ = svc.Enqueue(ctx, item)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Resolve(ctx, item.ID, ResolutionAccepted, nil, ""); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || s.Writes() != 1 {
		t.Fatalf("expected exactly one resolution, wins=%d writes=%d", wins.Load(), s.Writes())
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	_ = svc.Enqueue(ctx, &Item{AgentID: "a", Reason: ReasonPolicyFlag, Draft: "hello"})
	_ = svc.Enqueue(ctx, &Item{AgentID: "b", Reason: ReasonLowConfidence})
	_ = svc.Enqueue(ctx, &Item{AgentID: "a", Reason: ReasonValidationFailure})

	items, _ := svc.List(ctx, WithAgent("a"))
	if len(items) != 2 || items[0].Reason != ReasonPolicyFlag {
		t.Fatalf("unexpected agent filter result: %+v", items)
	}
	items, _ = svc.List(ctx, WithReasons(ReasonLowConfidence))
	if len(items) != 1 || items[0].AgentID != "b" {
		t.Fatalf("unexpected reason filter result: %+v", items)
	}
	items, _ = svc.List(ctx, WithLimit(1), WithOffset(2))
	if len(items) != 1 || items[0].Reason != ReasonValidationFailure {
		t.Fatalf("unexpected paging: %+v", items)
	}
}
