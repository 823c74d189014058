package memory

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"Cerberus-Core/internal/storage/mysql/sqlmock"
)

func TestMySQLStorePutAndGet(t *testing.T) {
	db, drv := sqlmock.New(t,
		sqlmock.Exec(mysqlUpsertEntry, sqlmock.Result{RowsAffected: 1}),
		sqlmock.Query(mysqlGetEntry, sqlmock.Rows{
			Columns: []string{"value", "updated_at"},
			Values:  [][]driver.Value{{[]byte(`{"status":"accepted"}`), int64(1760000000000)}},
		}),
		sqlmock.Query(mysqlGetEntry, sqlmock.Rows{Columns: []string{"value", "updated_at"}}),
	)
	store, err := NewMySQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.now = func() time.Time { return time.UnixMilli(1760000000000) }

	ctx := context.Background()
	scope := Scope{AgentID: "doc_processor", Key: "doc-42"}
	if err := store.Put(ctx, scope, "outcome", []byte(`{"status":"accepted"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	args := drv.Args(0)
	if len(args) != 5 || args[0] != "doc_processor" || args[1] != "doc-42" || args[2] != "outcome" {
		t.Fatalf("unexpected upsert args: %v", args)
	}

	entry, found, err := store.Get(ctx, scope, "outcome")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(entry.Value) != `{"status":"accepted"}` {
		t.Fatalf("unexpected value: %s", entry.Value)
	}

	if _, found, err := store.Get(ctx, scope, "outcome"); err != nil || found {
		t.Fatalf("expected absent on empty result, found=%v err=%v", found, err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreUpdateLocksRow(t *testing.T) {
	db, drv := sqlmock.New(t,
		sqlmock.Begin(),
		sqlmock.Query(mysqlLockEntry, sqlmock.Rows{
			Columns: []string{"value"},
			Values:  [][]driver.Value{{[]byte(`2`)}},
		}),
		sqlmock.Exec(mysqlUpsertEntry, sqlmock.Result{RowsAffected: 2}),
		sqlmock.Commit(),
	)
	store, err := NewMySQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = UpdateJSON(context.Background(), store, Scope{AgentID: "router"}, "stats", func(n int, found bool) (int, error) {
		if !found || n != 2 {
			t.Fatalf("expected current value 2, got %d (found=%v)", n, found)
		}
		return n + 1, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := drv.Args(1)[3]; string(got.([]byte)) != "3" {
		t.Fatalf("expected new value 3, got %v", got)
	}
	drv.AssertConsumed(t)
}
