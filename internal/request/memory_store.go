package request

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Cerberus-Core/internal/errors"
)

// MemoryStore 以内存方式保存请求状态，用于单机运行与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	if req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrRequestConflict
	}
	now := m.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get 返回请求。
func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

// Claim 将请求状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status.Terminal() {
		return cloneRequest(req), ErrRequestFinished
	}
	if req.Status == StatusRunning {
		return cloneRequest(req), ErrRequestConflict
	}
	if req.Attempts >= req.MaxAttempts {
		return cloneRequest(req), ErrRequestExhausted
	}
	req.Status = StatusRunning
	req.Attempts++
	req.LastError = ""
	req.ErrorCode = ""
	req.UpdatedAt = m.now().Unix()
	return cloneRequest(req), nil
}

// MarkFailed 标记请求失败。terminal 为 true 时关闭剩余的重试额度。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	req.Status = StatusFailed
	req.LastError = lastError
	req.ErrorCode = string(code)
	if terminal {
		req.MaxAttempts = req.Attempts
	}
	req.UpdatedAt = m.now().Unix()
	return nil
}

// Finish 写入终态。
func (m *MemoryStore) Finish(_ context.Context, id string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	req.Status = outcome.Status
	req.ErrorCode = string(outcome.ErrorCode)
	req.LastError = outcome.LastError
	if outcome.Result != nil {
		req.Result = cloneRequest(&Request{Result: outcome.Result}).Result
	}
	req.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的请求。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if !matchesListFilters(req, opts) {
			continue
		}
		results = append(results, cloneRequest(req))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt != b.UpdatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})

	if opts.Offset >= len(results) {
		return []*Request{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的请求数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, req := range m.requests {
		if matchesListFilters(req, opts) {
			stats.add(req)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
