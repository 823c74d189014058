package review

import (
	"context"
	"sort"
	"sync"
)

// ListOptions 控制复核项的查询。
type ListOptions struct {
	AgentID         string
	Resolutions     []Resolution
	Reasons         []Reason
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithAgent 只返回指定智能体的复核项。
func WithAgent(agentID string) ListOption {
	return func(o *ListOptions) { o.AgentID = agentID }
}

// WithResolutions 按复核结论过滤。
func WithResolutions(res ...Resolution) ListOption {
	return func(o *ListOptions) { o.Resolutions = append(o.Resolutions[:0], res...) }
}

// WithReasons 按入队原因过滤。
func WithReasons(reasons ...Reason) ListOption {
	return func(o *ListOptions) { o.Reasons = append(o.Reasons[:0], reasons...) }
}

// WithArchived 包含已归档的复核项。
func WithArchived() ListOption {
	return func(o *ListOptions) { o.IncludeArchived = true }
}

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 项。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// BuildListOptions 应用选项并填充默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	o := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

func (o ListOptions) match(item *Item) bool {
	if !o.IncludeArchived && item.Archived {
		return false
	}
	if o.AgentID != "" && item.AgentID != o.AgentID {
		return false
	}
	if len(o.Resolutions) > 0 && !containsResolution(o.Resolutions, item.Resolution) {
		return false
	}
	if len(o.Reasons) > 0 && !containsReason(o.Reasons, item.Reason) {
		return false
	}
	return true
}

func containsResolution(list []Resolution, v Resolution) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsReason(list []Reason, v Reason) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Store 持久化复核项。Update 对单个复核项原子执行读-改-写。
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, opts ListOptions) ([]*Item, error)
	Update(ctx context.Context, id string, fn func(item *Item) error) (*Item, error)
	Close() error
}

// MemoryStore 是进程内实现。
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return ErrItemConflict
	}
	m.items[item.ID] = item.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item.Clone(), nil
}

// List 实现 Store，按创建时间升序返回。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Item, error) {
	m.mu.Lock()
	matched := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		if opts.match(item) {
			matched = append(matched, item.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if opts.Offset >= len(matched) {
		return []*Item{}, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Update 实现 Store。fn 返回错误时不修改。
func (m *MemoryStore) Update(_ context.Context, id string, fn func(item *Item) error) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	working := item.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	m.items[id] = working
	return working.Clone(), nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
