package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "Cerberus-Core/internal/errors"
)

// Scope 标识一组记忆条目的归属：智能体 ID 加可选的文档/发件人键。
type Scope struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"key,omitempty"`
}

// String 返回作用域的规范字符串形式，例如 "invoices" 或 "invoices/doc-1"。
func (s Scope) String() string {
	if s.Key == "" {
		return s.AgentID
	}
	return s.AgentID + "/" + s.Key
}

// Entry 是一条记忆：同一 (scope, key) 至多一个有效值，后写覆盖先写。
type Entry struct {
	Scope     Scope           `json:"scope"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UpdateFunc 接收当前值（不存在时 found 为 false），返回要写入的新值。
// 返回 ErrSkipWrite 时保持原值不变。
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store 定义记忆存储的读写契约，所有实现必须保证单键写入原子。
type Store interface {
	Get(ctx context.Context, scope Scope, key string) (Entry, bool, error)
	Put(ctx context.Context, scope Scope, key string, value []byte) error
	// Update 对单个 (scope, key) 执行原子的读-改-写，并发更新不会丢失。
	Update(ctx context.Context, scope Scope, key string, fn UpdateFunc) error
	Close() error
}

// ErrSkipWrite 由 UpdateFunc 返回，表示无需写入。
var ErrSkipWrite = xerrors.New(xerrors.CodeConflict, "memory update skipped", xerrors.WithSeverity(xerrors.SeverityInfo))

func validate(scope Scope, key string) error {
	if strings.TrimSpace(scope.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记忆作用域缺少 agent id")
	}
	if strings.Contains(scope.AgentID, "/") {
		return xerrors.New(xerrors.CodeInvalidArgument, "记忆作用域的 agent id 不能包含 /")
	}
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记忆键不能为空")
	}
	return nil
}

// GetJSON 读取并解码一条记忆。
func GetJSON[T any](ctx context.Context, s Store, scope Scope, key string) (T, bool, error) {
	var zero T
	entry, found, err := s.Get(ctx, scope, key)
	if err != nil || !found {
		return zero, found, err
	}
	var out T
	if err := json.Unmarshal(entry.Value, &out); err != nil {
		return zero, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码记忆失败: "+scope.String()+"#"+key)
	}
	return out, true, nil
}

// PutJSON 编码并覆盖写入一条记忆。
func PutJSON[T any](ctx context.Context, s Store, scope Scope, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记忆失败")
	}
	return s.Put(ctx, scope, key, data)
}

// UpdateJSON 以类型化的方式执行原子的读-改-写。
func UpdateJSON[T any](ctx context.Context, s Store, scope Scope, key string, fn func(current T, found bool) (T, error)) error {
	return s.Update(ctx, scope, key, func(raw []byte, found bool) ([]byte, error) {
		var current T
		if found && len(raw) > 0 {
			if err := json.Unmarshal(raw, &current); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码记忆失败")
			}
		}
		next, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}
