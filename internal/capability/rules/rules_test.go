package rules

import (
	"context"
	"strings"
	"testing"

	"Cerberus-Core/internal/capability"
)

func TestClassifyByKeywords(t *testing.T) {
	b := New("", map[string][]string{
		"invoices":  {"invoice", "amount due", "bill to"},
		"contracts": {"agreement", "party"},
	})
	res, err := b.Invoke(context.Background(), capability.Request{
		Kind:    capability.KindClassify,
		Payload: "INVOICE 42\nBill To: Acme\nAmount due: 100",
		Params:  capability.Params{Labels: []string{"invoices", "contracts", "other"}},
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Label != "invoices" {
		t.Fatalf("expected invoices, got %q", res.Label)
	}
	if res.Confidence < 0.79 || res.Confidence > 0.81 {
		t.Fatalf("three hits should give 0.8, got %v", res.Confidence)
	}
}

func TestClassifyFallsBackToOther(t *testing.T) {
	b := New("rules", nil)
	res, err := b.Invoke(context.Background(), capability.Request{
		Kind:    capability.KindClassify,
		Payload: "lorem ipsum",
		Params:  capability.Params{Labels: []string{"other", "reports"}},
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Label != "other" || res.Confidence >= 0.5 {
		t.Fatalf("unexpected fallback: %+v", res)
	}
}

func TestExtractFieldLines(t *testing.T) {
	b := New("rules", nil)
	res, err := b.Invoke(context.Background(), capability.Request{
		Kind:    capability.KindExtract,
		Payload: "Vendor: Acme Corp\nInvoice Date = 2024-03-01\nnotes",
		Params: capability.Params{Fields: []capability.FieldSpec{
			{Name: "vendor"}, {Name: "invoice_date"}, {Name: "total"},
		}},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Fields["vendor"].Value != "Acme Corp" {
		t.Fatalf("vendor: %+v", res.Fields["vendor"])
	}
	if res.Fields["invoice_date"].Value != "2024-03-01" {
		t.Fatalf("invoice_date: %+v", res.Fields["invoice_date"])
	}
	if _, ok := res.Fields["total"]; ok {
		t.Fatalf("absent field should be omitted")
	}
}

func TestDraftUsesSubject(t *testing.T) {
	b := New("rules", nil)
	res, _ := b.Invoke(context.Background(), capability.Request{
		Kind:    capability.KindDraft,
		Payload: "From: a@b.c\nSubject: Quarterly numbers\n\nCan you send them?",
	})
	if !strings.HasPrefix(res.Text, "Re: Quarterly numbers") {
		t.Fatalf("unexpected draft: %q", res.Text)
	}
}

func TestSummarizeTakesLeadingSentences(t *testing.T) {
	got := summarize("One. Two! Three? Four.", 2)
	if got != "One. Two!" {
		t.Fatalf("unexpected summary: %q", got)
	}
}
