package pipeline

import (
	"testing"

	"Cerberus-Core/internal/record"
)

func recordWith(fields map[string]string) *record.ExtractedRecord {
	rec := &record.ExtractedRecord{}
	for k, v := range fields {
		rec.Set(k, v, 0.9)
	}
	return rec
}

func kinds(errs []record.ValidationError) map[string]record.ValidationKind {
	out := make(map[string]record.ValidationKind, len(errs))
	for _, e := range errs {
		out[e.Field] = e.Kind
	}
	return out
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	schema := DocumentType{
		Name: "contacts",
		Fields: []FieldRule{
			{Name: "email", Type: TypeEmail},
			{Name: "phone", Type: TypePhone},
			{Name: "age", Type: TypeNumber, Min: ptr(0), Max: ptr(130)},
			{Name: "code", Pattern: `^[A-Z]{3}-\d{3}$`},
			{Name: "tier", Enum: []string{"gold", "silver"}},
			{Name: "joined", Type: TypeDate},
		},
	}
	rec := recordWith(map[string]string{
		"email":  "not-an-email",
		"phone":  "12",
		"age":    "200",
		"code":   "ab-12",
		"tier":   "bronze",
		"joined": "yesterday",
	})

	got := kinds(Validate(schema, rec))
	want := map[string]record.ValidationKind{
		"email":  record.FormatInvalid,
		"phone":  record.FormatInvalid,
		"age":    record.RangeInvalid,
		"code":   record.FormatInvalid,
		"tier":   record.RangeInvalid,
		"joined": record.FormatInvalid,
	}
	for field, kind := range want {
		if got[field] != kind {
			t.Fatalf("%s: got %q, want %q (all: %v)", field, got[field], kind, got)
		}
	}
}

func TestValidateAcceptsWellFormedValues(t *testing.T) {
	schema := DocumentType{
		Fields: []FieldRule{
			{Name: "email", Type: TypeEmail},
			{Name: "phone", Type: TypePhone},
			{Name: "total", Type: TypeMoney, Min: ptr(0)},
			{Name: "date", Type: TypeDate},
			{Name: "tier", Enum: []string{"Gold"}},
			{Name: "notes"},
		},
	}
	rec := recordWith(map[string]string{
		"email": "ap@acme.com",
		"phone": "+1 (555) 010-2000",
		"total": "USD 1,234.56",
		"date":  "Feb 28, 2026",
		"tier":  "gold",
	})
	if errs := Validate(schema, rec); len(errs) != 0 {
		t.Fatalf("expected no violations, got %v", errs)
	}
}

func TestSumEqualsWithLineItems(t *testing.T) {
	schema := DocumentType{
		Fields: []FieldRule{{Name: "line_items"}, {Name: "shipping", Type: TypeMoney}, {Name: "total", Type: TypeMoney}},
		Rules:  []CrossRule{{Kind: RuleSumEquals, Fields: []string{"line_items", "shipping"}, Target: "total"}},
	}
	ok := recordWith(map[string]string{
		"line_items": `[{"description":"widget","amount":"$100.00"},{"description":"bolt","total":20.5},3.005]`,
		"shipping":   "10",
		"total":      "133.50",
	})
	if errs := Validate(schema, ok); len(errs) != 0 {
		t.Fatalf("sum within tolerance should pass: %v", errs)
	}

	bad := recordWith(map[string]string{
		"line_items": `[100, 20]`,
		"shipping":   "10",
		"total":      "140",
	})
	errs := Validate(schema, bad)
	if len(errs) != 1 || errs[0].Kind != record.Inconsistent || errs[0].Field != "total" {
		t.Fatalf("expected inconsistent total, got %v", errs)
	}
}

func TestDateOrder(t *testing.T) {
	schema := DocumentType{
		Fields: []FieldRule{{Name: "issued", Type: TypeDate}, {Name: "due", Type: TypeDate}},
		Rules:  []CrossRule{{Kind: RuleDateOrder, Fields: []string{"issued", "due"}}},
	}
	if errs := Validate(schema, recordWith(map[string]string{"issued": "2026-01-01", "due": "2026-01-31"})); len(errs) != 0 {
		t.Fatalf("ordered dates should pass: %v", errs)
	}
	errs := Validate(schema, recordWith(map[string]string{"issued": "2026-02-01", "due": "2026-01-31"}))
	if len(errs) != 1 || errs[0].Kind != record.Inconsistent || errs[0].Field != "due" {
		t.Fatalf("expected inconsistent due date, got %v", errs)
	}
}

func TestParseMoney(t *testing.T) {
	cases := map[string]float64{
		"1234.56":     1234.56,
		"$1,234.56":   1234.56,
		"€ 99":        99,
		"(50.00)":     -50,
		"-50":         -50,
		"1 000.50EUR": 1000.5,
	}
	for in, want := range cases {
		got, err := ParseMoney(in)
		if err != nil || got != want {
			t.Fatalf("ParseMoney(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMoney("twelve"); err == nil {
		t.Fatalf("words should not parse")
	}
}

func TestNonFiniteAmountsAreFormatInvalid(t *testing.T) {
	schema := DocumentType{
		Fields: []FieldRule{
			{Name: "amount", Type: TypeMoney, Min: ptr(0)},
			{Name: "count", Type: TypeNumber, Max: ptr(10)},
		},
	}
	for _, v := range []string{"NaN", "Inf", "-Inf", "+Infinity", "$nan"} {
		got := kinds(Validate(schema, recordWith(map[string]string{"amount": v, "count": v})))
		if got["amount"] != record.FormatInvalid || got["count"] != record.FormatInvalid {
			t.Fatalf("%q: expected format violations, got %v", v, got)
		}
	}
	if _, err := Amounts(`[10, "NaN"]`); err == nil {
		t.Fatalf("non-finite line item should not parse")
	}
	if _, err := Amounts(`[{"amount":"Inf"}]`); err == nil {
		t.Fatalf("non-finite line item amount should not parse")
	}
}
