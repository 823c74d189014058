package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	xerrors "Cerberus-Core/internal/errors"
)

func TestMemoryStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scope := Scope{AgentID: "email_manager", Key: "sender:billing@acme.test"}

	if _, found, err := store.Get(ctx, scope, "document_type"); err != nil || found {
		t.Fatalf("expected absent entry, found=%v err=%v", found, err)
	}
	if err := store.Put(ctx, scope, "document_type", []byte(`"invoice"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, scope, "document_type", []byte(`"receipt"`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	entry, found, err := store.Get(ctx, scope, "document_type")
	if err != nil || !found {
		t.Fatalf("get after put: found=%v err=%v", found, err)
	}
	if string(entry.Value) != `"receipt"` {
		t.Fatalf("expected last write to win, got %s", entry.Value)
	}
	if entry.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not recorded")
	}
	if store.Len() != 1 {
		t.Fatalf("expected one live entry, got %d", store.Len())
	}
}

func TestMemoryStoreScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := Scope{AgentID: "data_entry", Key: "doc-1"}
	b := Scope{AgentID: "data_entry", Key: "doc-2"}
	if err := PutJSON(ctx, store, a, "outcome", map[string]string{"status": "accepted"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, found, _ := store.Get(ctx, b, "outcome"); found {
		t.Fatalf("scope b must not see scope a's entry")
	}
}

func TestMemoryStoreUpdateIsAtomicPerKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scope := Scope{AgentID: "router"}

	const workers, increments = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := UpdateJSON(ctx, store, scope, "counter", func(n int, _ bool) (int, error) {
					return n + 1, nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, found, err := GetJSON[int](ctx, store, scope, "counter")
	if err != nil || !found {
		t.Fatalf("get counter: found=%v err=%v", found, err)
	}
	if got != workers*increments {
		t.Fatalf("lost updates: got %d want %d", got, workers*increments)
	}
}

func TestMemoryStoreUpdateSkipWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scope := Scope{AgentID: "a"}
	err := store.Update(ctx, scope, "k", func([]byte, bool) ([]byte, error) {
		return nil, ErrSkipWrite
	})
	if err != nil {
		t.Fatalf("skip write should not be an error: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("skip write must not create an entry")
	}

	boom := fmt.Errorf("boom")
	if err := store.Update(ctx, scope, "k", func([]byte, bool) ([]byte, error) { return nil, boom }); err != boom {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestValidateRejectsEmptyScope(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Put(context.Background(), Scope{}, "k", []byte("1")); err == nil {
		t.Fatalf("expected error for empty agent id")
	}
	if err := store.Put(context.Background(), Scope{AgentID: "a"}, " ", []byte("1")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestValidateRejectsAmbiguousAgentID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Put(ctx, Scope{AgentID: "a/b"}, "k", []byte("1")); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for slash in agent id, got %v", err)
	}
	if err := store.Put(ctx, Scope{AgentID: "a", Key: "b"}, "k", []byte("1")); err != nil {
		t.Fatalf("nested key should stay allowed: %v", err)
	}
	if _, found, err := store.Get(ctx, Scope{AgentID: "a/b"}, "k"); err == nil || found {
		t.Fatalf("read through a slashed agent id must fail, found=%v err=%v", found, err)
	}
}
