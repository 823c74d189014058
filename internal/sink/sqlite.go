package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"Cerberus-Core/internal/record"
)

const (
	sqliteSchema = `
CREATE TABLE IF NOT EXISTS extracted_records (
	document_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	document_type TEXT NOT NULL,
	destination TEXT NOT NULL,
	sender TEXT NOT NULL,
	fields_json TEXT NOT NULL,
	overall_confidence REAL NOT NULL,
	extracted_at_unix_ms INTEGER NOT NULL,
	written_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extracted_records_destination ON extracted_records(destination);`

	sqliteUpsert = `INSERT INTO extracted_records
	(document_id, agent_id, document_type, destination, sender, fields_json, overall_confidence, extracted_at_unix_ms, written_at_unix_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now') * 1000)
	ON CONFLICT(document_id) DO UPDATE SET
		agent_id = excluded.agent_id,
		document_type = excluded.document_type,
		destination = excluded.destination,
		sender = excluded.sender,
		fields_json = excluded.fields_json,
		overall_confidence = excluded.overall_confidence,
		extracted_at_unix_ms = excluded.extracted_at_unix_ms,
		written_at_unix_ms = excluded.written_at_unix_ms`
)

// SQLiteSink 把记录写入 SQLite 表，按文档 ID 覆盖。
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink 打开（必要时创建）数据库文件并初始化表结构。
func NewSQLiteSink(ctx context.Context, dbPath string) (*SQLiteSink, error) {
	path := filepath.Clean(strings.TrimSpace(dbPath))
	if path == "" || path == "." {
		return nil, Failure("sqlite", nil, "未指定 SQLite 路径", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Failure("sqlite", err, "创建 SQLite 目录失败", nil)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Failure("sqlite", err, "打开 SQLite 失败", nil)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, Failure("sqlite", err, "初始化 extracted_records 表失败", nil)
	}
	return &SQLiteSink{db: db}, nil
}

// Name 实现 Sink。
func (s *SQLiteSink) Name() string { return "sqlite" }

// Write 实现 Sink。
func (s *SQLiteSink) Write(ctx context.Context, rec *record.ExtractedRecord) error {
	if err := validateRecord(s.Name(), rec); err != nil {
		return err
	}
	fields := make(map[string]string, len(rec.Fields))
	for _, f := range rec.Fields {
		fields[f.ColumnName()] = f.Value
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return Failure(s.Name(), err, "编码字段失败", rec)
	}
	destination := rec.Destination
	if destination == "" {
		destination = rec.DocumentType
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsert,
		rec.DocumentID, rec.AgentID, rec.DocumentType, destination, rec.Sender,
		string(encoded), rec.OverallConfidence, rec.ExtractedAt.UTC().UnixMilli())
	if err != nil {
		return Failure(s.Name(), err, "写入 SQLite 失败", rec)
	}
	return nil
}

// Count 返回某目的地的记录数，destination 为空时统计全部。
func (s *SQLiteSink) Count(ctx context.Context, destination string) (int, error) {
	query, args := `SELECT COUNT(*) FROM extracted_records`, []any{}
	if destination != "" {
		query += ` WHERE destination = ?`
		args = append(args, destination)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, Failure(s.Name(), err, "统计记录失败", nil)
	}
	return n, nil
}

// Fields 返回已写入记录的字段值。
func (s *SQLiteSink) Fields(ctx context.Context, documentID string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fields_json FROM extracted_records WHERE document_id = ?`, documentID).Scan(&raw)
	if err != nil {
		return nil, Failure(s.Name(), err, "读取记录失败", nil)
	}
	out := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, Failure(s.Name(), err, "解码字段失败", nil)
	}
	return out, nil
}

// Close 实现 Sink。
func (s *SQLiteSink) Close() error { return s.db.Close() }
