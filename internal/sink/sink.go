// Package sink 定义已接受记录的写入目标：CSV 表格、SQLite 表与内存实现。
// 同一文档重复写入是幂等的：CSV 跳过已存在的行，SQLite 按文档 ID 覆盖。
package sink

import (
	"context"
	"sync"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/record"
)

// Sink 接收已接受或已复核的记录。失败返回 SINK_FAILURE。
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *record.ExtractedRecord) error
	Close() error
}

// Failure 构造 SINK_FAILURE 错误。
func Failure(sinkName string, cause error, message string, rec *record.ExtractedRecord) error {
	opts := []xerrors.Option{xerrors.WithMetadata("sink", sinkName)}
	if rec != nil {
		opts = append(opts, xerrors.WithMetadata("document_id", rec.DocumentID))
	}
	return xerrors.Wrap(xerrors.CodeSinkFailure, cause, message, opts...)
}

func validateRecord(name string, rec *record.ExtractedRecord) error {
	if rec == nil || rec.DocumentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少文档 ID", xerrors.WithMetadata("sink", name))
	}
	return nil
}

// MemorySink 把记录保存在内存中，按文档 ID 覆盖。
type MemorySink struct {
	mu      sync.Mutex
	records map[string]*record.ExtractedRecord
	order   []string
	writes  int
}

// NewMemorySink 创建内存目标。
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]*record.ExtractedRecord)}
}

// Name 实现 Sink。
func (m *MemorySink) Name() string { return "memory" }

// Write 实现 Sink。
func (m *MemorySink) Write(ctx context.Context, rec *record.ExtractedRecord) error {
	if err := validateRecord(m.Name(), rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Failure(m.Name(), err, "写入已取消", rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.DocumentID]; !ok {
		m.order = append(m.order, rec.DocumentID)
	}
	m.records[rec.DocumentID] = rec.Clone()
	m.writes++
	return nil
}

// Records 按首次写入顺序返回记录。
func (m *MemorySink) Records() []*record.ExtractedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*record.ExtractedRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].Clone())
	}
	return out
}

// Writes 返回写入调用次数。
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Close 实现 Sink。
func (m *MemorySink) Close() error { return nil }
