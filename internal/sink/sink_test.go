package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/record"
)

func invoice(id, total string) *record.ExtractedRecord {
	return &record.ExtractedRecord{
		DocumentID:        id,
		DocumentType:      "invoices",
		AgentID:           "doc_processor",
		Destination:       "finance/invoices",
		OverallConfidence: 0.9,
		ExtractedAt:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Fields: []record.Field{
			{Name: "vendor", Value: "Acme", Confidence: 0.9, Column: "Vendor Name"},
			{Name: "total", Value: total, Confidence: 0.95},
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestCSVSinkWritesHeaderAndSkipsDuplicates(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	for _, rec := range []*record.ExtractedRecord{invoice("d1", "10.00"), invoice("d1", "99.00"), invoice("d2", "20.00")} {
		if err := s.Write(ctx, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	path := s.Path("finance/invoices")
	if filepath.Base(path) != "finance_invoices.csv" {
		t.Fatalf("unexpected file name: %s", path)
	}
	rows := readCSV(t, path)
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %v", rows)
	}
	if rows[0][4] != "Vendor Name" || rows[1][5] != "10.00" {
		t.Fatalf("mapping or duplicate handling wrong: %v", rows)
	}

	reopened, _ := NewCSVSink(dir)
	if err := reopened.Write(ctx, invoice("d2", "55.00")); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}
	if rows := readCSV(t, path); len(rows) != 3 {
		t.Fatalf("existing ids should be loaded from disk: %v", rows)
	}
}

func TestCSVSinkExtendsHeader(t *testing.T) {
	s, _ := NewCSVSink(t.TempDir())
	ctx := context.Background()
	_ = s.Write(ctx, invoice("d1", "10.00"))

	rec := invoice("d2", "20.00")
	rec.Set("due_date", "2024-04-01", 0.8)
	if err := s.Write(ctx, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows := readCSV(t, s.Path("finance/invoices"))
	if len(rows[0]) != 7 || rows[0][6] != "due_date" {
		t.Fatalf("header not extended: %v", rows[0])
	}
	if len(rows[1]) != 7 || rows[1][6] != "" || rows[2][6] != "2024-04-01" {
		t.Fatalf("rows not padded: %v", rows)
	}
}

func TestSQLiteSinkUpserts(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSink(ctx, filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	if err := s.Write(ctx, invoice("d1", "10.00")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(ctx, invoice("d1", "12.00")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	n, err := s.Count(ctx, "finance/invoices")
	if err != nil || n != 1 {
		t.Fatalf("expected one row, got %d (%v)", n, err)
	}
	fields, err := s.Fields(ctx, "d1")
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if fields["total"] != "12.00" || fields["Vendor Name"] != "Acme" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestSinkRejectsRecordWithoutID(t *testing.T) {
	if err := NewMemorySink().Write(context.Background(), &record.ExtractedRecord{}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMemorySinkCancelledContextIsSinkFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemorySink().Write(ctx, invoice("d1", "1"))
	if !xerrors.IsCode(err, xerrors.CodeSinkFailure) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable SINK_FAILURE, got %v", err)
	}
}
