// Package sqlmock provides a scripted database/sql driver for unit tests of
// the MySQL-backed stores. Each expected operation is consumed in order and
// SQL text is compared after whitespace normalisation.
package sqlmock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// OpType identifies a scripted driver call.
type OpType int

const (
	OpExec OpType = iota
	OpQuery
	OpBegin
	OpCommit
	OpRollback
)

func (t OpType) String() string {
	switch t {
	case OpExec:
		return "exec"
	case OpQuery:
		return "query"
	case OpBegin:
		return "begin"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Op is one expected driver call.
type Op struct {
	Type   OpType
	Query  string
	Result Result
	Rows   Rows
	Err    error
}

// Result is returned from an expected Exec.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// driverResult adapts Result to driver.Result.
type driverResult struct{ r Result }

func (d driverResult) LastInsertId() (int64, error) { return d.r.LastInsertID, nil }
func (d driverResult) RowsAffected() (int64, error) { return d.r.RowsAffected, nil }

// Rows is returned from an expected Query.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects an ExecContext with the given SQL.
func Exec(query string, result Result) Op { return Op{Type: OpExec, Query: query, Result: result} }

// ExecErr expects an ExecContext that fails.
func ExecErr(query string, err error) Op { return Op{Type: OpExec, Query: query, Err: err} }

// Query expects a QueryContext with the given SQL.
func Query(query string, rows Rows) Op { return Op{Type: OpQuery, Query: query, Rows: rows} }

// Begin expects a transaction start.
func Begin() Op { return Op{Type: OpBegin} }

// Commit expects a transaction commit.
func Commit() Op { return Op{Type: OpCommit} }

// Rollback expects a transaction rollback.
func Rollback() Op { return Op{Type: OpRollback} }

// Driver replays the scripted operations.
type Driver struct {
	mu   sync.Mutex
	ops  []Op
	idx  int
	args [][]driver.NamedValue
}

var driverSeq atomic.Int32

// New registers a fresh driver and opens a single-connection *sql.DB on it.
func New(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()
	drv := &Driver{ops: ops}
	name := fmt.Sprintf("cerberus-sqlmock-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// AssertConsumed fails the test when scripted operations remain.
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Args returns the arguments recorded for the n-th Exec or Query call.
func (d *Driver) Args(n int) []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.args) {
		return nil
	}
	out := make([]any, len(d.args[n]))
	for i, nv := range d.args[n] {
		out[i] = nv.Value
	}
	return out
}

func (d *Driver) Open(string) (driver.Conn, error) { return &conn{driver: d}, nil }

func (d *Driver) next(expected OpType, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", expected, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.Type != expected {
		return nil, fmt.Errorf("expected %s, got %s (%s)", op.Type, expected, Normalize(query))
	}
	d.idx++
	if op.Query != "" && Normalize(op.Query) != Normalize(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", Normalize(op.Query), Normalize(query))
	}
	if expected == OpExec || expected == OpQuery {
		d.args = append(d.args, append([]driver.NamedValue(nil), args...))
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(OpBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(OpExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return driverResult{op.Result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(OpQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &rows{columns: op.Rows.Columns, values: op.Rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(OpCommit, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(OpRollback, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize collapses whitespace so scripted SQL can be written freely.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
