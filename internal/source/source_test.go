package source

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Cerberus-Core/internal/document"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFolderScanIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "second")
	writeFile(t, dir, "a.eml", "From: x@y.z\nSubject: s\n\nbody")
	writeFile(t, dir, "c.exe", "ignored")
	writeFile(t, dir, ".hidden.txt", "ignored")

	src, err := NewFolderSource(dir)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	var names []string
	err = src.Scan(context.Background(), func(_ context.Context, doc *document.Document) error {
		names = append(names, doc.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(names) != 2 || names[0] != "a.eml" || names[1] != "b.txt" {
		t.Fatalf("unexpected scan order: %v", names)
	}
}

func TestFolderScanRestartsWithSameIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	src, _ := NewFolderSource(dir)

	collect := func() string {
		var id string
		_ = src.Scan(context.Background(), func(_ context.Context, doc *document.Document) error {
			id = doc.ID
			return nil
		})
		return id
	}
	if first, second := collect(), collect(); first == "" || first != second {
		t.Fatalf("redelivery should keep ids: %q vs %q", first, second)
	}
}

func TestFolderLoadStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	src, _ := NewFolderSource(dir)

	doc, err := src.Load(context.Background(), "a.txt")
	if err != nil || string(doc.Raw) != "hello" {
		t.Fatalf("load: %v", err)
	}
	if _, err := src.Load(context.Background(), "../../etc/passwd"); !stdErrors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found for escaping path, got %v", err)
	}
}

func TestWatchDeliversNewFiles(t *testing.T) {
	dir := t.TempDir()
	src, _ := NewFolderSource(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, func(_ context.Context, doc *document.Document) error {
			mu.Lock()
			defer mu.Unlock()
			select {
			case got <- doc.Name:
			default:
			}
			return nil
		}, WithSettleDelay(50*time.Millisecond))
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "new.txt", "fresh")

	select {
	case name := <-got:
		if name != "new.txt" {
			t.Fatalf("unexpected document: %s", name)
		}
	case <-ctx.Done():
		t.Fatalf("watch did not deliver the new file")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

func TestMemorySourceLoadByName(t *testing.T) {
	doc := document.New("inbox/1.eml", []byte("From: a@b.c\n\nhi"), nil)
	src := NewMemorySource(doc, doc)
	loaded, err := src.Load(context.Background(), "inbox/1.eml")
	if err != nil || loaded.ID != doc.ID {
		t.Fatalf("load by name: %v", err)
	}
	count := 0
	_ = src.Scan(context.Background(), func(context.Context, *document.Document) error { count++; return nil })
	if count != 1 {
		t.Fatalf("duplicate ids should be delivered once per scan, got %d", count)
	}
}
