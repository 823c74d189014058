package memory

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"
)

type entryKey struct {
	scope Scope
	key   string
}

// MemoryStore 是进程内实现，用于测试与单机运行。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[entryKey]Entry
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[entryKey]Entry), now: time.Now}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, scope Scope, key string) (Entry, bool, error) {
	if err := validate(scope, key); err != nil {
		return Entry{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[entryKey{scope, key}]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

// Put 实现 Store 接口。
func (m *MemoryStore) Put(_ context.Context, scope Scope, key string, value []byte) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(scope, key, value)
	return nil
}

// Update 在持锁期间调用 fn，fn 内不得再访问同一个 MemoryStore。
func (m *MemoryStore) Update(_ context.Context, scope Scope, key string, fn UpdateFunc) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.entries[entryKey{scope, key}]
	var raw []byte
	if found {
		raw = append([]byte(nil), current.Value...)
	}
	next, err := fn(raw, found)
	if err != nil {
		if stdErrors.Is(err, ErrSkipWrite) {
			return nil
		}
		return err
	}
	m.write(scope, key, next)
	return nil
}

// Len 返回条目数量。
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) write(scope Scope, key string, value []byte) {
	m.entries[entryKey{scope, key}] = Entry{
		Scope:     scope,
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: m.now(),
	}
}

func cloneEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}

var _ Store = (*MemoryStore)(nil)
