package memory

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("CERBERUS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CERBERUS_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := NewRedisStore(ctx, RedisConfig{Address: addr, Prefix: "cerberus:test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	scope := Scope{AgentID: "email_manager", Key: "sender:a@b.test"}

	if err := store.Put(ctx, scope, "document_type", []byte(`"invoice"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, found, err := store.Get(ctx, scope, "document_type")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(entry.Value) != `"invoice"` {
		t.Fatalf("unexpected value %s", entry.Value)
	}
}

func TestRedisStoreConcurrentUpdates(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	scope := Scope{AgentID: "router"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := UpdateJSON(ctx, store, scope, "n", func(n int, _ bool) (int, error) { return n + 1, nil }); err != nil {
					t.Errorf("update: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	n, _, err := GetJSON[int](ctx, store, scope, "n")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != 80 {
		t.Fatalf("lost updates: %d", n)
	}
}
