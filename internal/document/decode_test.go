package document

import (
	"strings"
	"testing"

	xerrors "Cerberus-Core/internal/errors"
)

func TestDecodePlainText(t *testing.T) {
	doc := New("note.txt", []byte("  Vendor: Acme\nTotal: 10.00\n"), nil)
	out, err := Decode(doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Text != "Vendor: Acme\nTotal: 10.00" || out.Type != TypeText {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestDecodeHTMLSkipsScripts(t *testing.T) {
	src := `<html><head><title>x</title><script>var a=1</script></head><body><p>Invoice   42</p><div>Total: <b>99</b></div></body></html>`
	out, err := Decode(New("invoice.html", []byte(src), nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Contains(out.Text, "var a") {
		t.Fatalf("script content leaked: %q", out.Text)
	}
	if out.Text != "Invoice 42\nTotal: 99" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
}

func TestDecodeMultipartEmail(t *testing.T) {
	raw := strings.Join([]string{
		"From: Billing <billing@acme.com>",
		"To: me@example.com",
		"Subject: Your receipt",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>HTML body</p>",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Amount paid: 12.50 =E2=82=AC",
		"--b1--",
		"",
	}, "\r\n")
	out, err := Decode(&Document{ID: "e1", Raw: []byte(raw)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != TypeEmail || out.Sender != "billing@acme.com" || out.Subject != "Your receipt" {
		t.Fatalf("unexpected headers: %+v", out)
	}
	if !strings.Contains(out.Text, "Amount paid: 12.50 €") {
		t.Fatalf("plain part should win: %q", out.Text)
	}
	if out.Metadata["to"] != "me@example.com" {
		t.Fatalf("metadata missing: %+v", out.Metadata)
	}
}

func TestDecodeBase64EmailBody(t *testing.T) {
	raw := "From: a@b.c\nSubject: hi\nContent-Type: text/plain\nContent-Transfer-Encoding: base64\n\nSGVsbG8g\nd29ybGQ=\n"
	out, err := Decode(New("m.eml", []byte(raw), nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasSuffix(out.Text, "Hello world") {
		t.Fatalf("unexpected body: %q", out.Text)
	}
}

func TestDecodeUnsupported(t *testing.T) {
	cases := map[string]*Document{
		"empty":        New("a.txt", []byte("   \n"), nil),
		"image":        New("scan.png", []byte("\x89PNG\r\n\x1a\n...."), nil),
		"invalid utf8": New("a.txt", []byte{0xff, 0xfe, 0xfd}, nil),
		"broken pdf":   New("a.pdf", []byte("%PDF-1.4 not really"), nil),
		"binary":       {ID: "b", Raw: []byte{0x00, 0x01, 0x02, 0x03, 0x04}},
	}
	for name, doc := range cases {
		if _, err := Decode(doc); !xerrors.IsCode(err, xerrors.CodeUnsupportedDocument) {
			t.Fatalf("%s: expected UNSUPPORTED_DOCUMENT, got %v", name, err)
		}
	}
}

func TestContentIDStable(t *testing.T) {
	a := New("x.txt", []byte("same"), nil)
	b := New("y.txt", []byte("same"), nil)
	if a.ID != b.ID || !strings.HasPrefix(a.ID, "doc-") {
		t.Fatalf("ids should depend on content only: %s %s", a.ID, b.ID)
	}
}

func TestSniffJSON(t *testing.T) {
	out, err := Decode(&Document{ID: "j", Raw: []byte(`{"vendor":"Acme"}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != TypeJSON {
		t.Fatalf("expected json type, got %s", out.Type)
	}
}

func TestPDFPageLimitIsRecorded(t *testing.T) {
	if n, cut := limitPages(12, maxPDFPages); n != 12 || cut {
		t.Fatalf("short document should be read whole: %d %v", n, cut)
	}
	if n, cut := limitPages(maxPDFPages+30, maxPDFPages); n != maxPDFPages || !cut {
		t.Fatalf("long document should be cut at the limit: %d %v", n, cut)
	}

	out := &Decoded{Metadata: map[string]string{}}
	markPages(out, maxPDFPages+30, true)
	if out.Metadata["truncated"] != "true" || out.Metadata["pages"] != "80" || out.Metadata["pages_read"] != "50" {
		t.Fatalf("unexpected metadata: %v", out.Metadata)
	}
	whole := &Decoded{Metadata: map[string]string{}}
	markPages(whole, 3, false)
	if _, ok := whole.Metadata["truncated"]; ok || whole.Metadata["pages"] != "3" {
		t.Fatalf("unexpected metadata: %v", whole.Metadata)
	}
}
