package review

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "Cerberus-Core/internal/errors"
	storage "Cerberus-Core/internal/storage/mysql"
)

const (
	mysqlInsertItem = `INSERT INTO review_items
        (id, agent_id, request_id, task_id, document_id, reason, resolution, payload, archived, created_at, resolved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	mysqlGetItem    = `SELECT payload FROM review_items WHERE id = ?`
	mysqlLockItem   = `SELECT payload FROM review_items WHERE id = ? FOR UPDATE`
	mysqlUpdateItem = `UPDATE review_items SET reason = ?, resolution = ?, payload = ?, archived = ?, resolved_at = ?
        WHERE id = ?`
)

// MySQLStore 使用 review_items 表保存复核项，完整内容以 JSON 存在 payload 列，
// 常用过滤条件冗余为独立列。
type MySQLStore struct {
	db         *sql.DB
	maxRetries int
}

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &MySQLStore{db: db, maxRetries: 5}, nil
}

// Create 实现 Store。
func (s *MySQLStore) Create(ctx context.Context, item *Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码复核项失败")
	}
	_, err = s.db.ExecContext(ctx, mysqlInsertItem,
		item.ID, item.AgentID, item.RequestID, item.TaskID, item.DocumentID,
		string(item.Reason), string(item.Resolution), string(payload), item.Archived,
		item.CreatedAt.UnixMilli(), resolvedMillis(item))
	if err != nil {
		if storage.IsDuplicateEntry(err) {
			return ErrItemConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入复核项失败")
	}
	return nil
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Item, error) {
	var payload string
	if err := s.db.QueryRowContext(ctx, mysqlGetItem, id).Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询复核项失败")
	}
	return decodeItem(payload)
}

// List 实现 Store。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Item, error) {
	var (
		where []string
		args  []any
	)
	if !opts.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if opts.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Resolutions) > 0 {
		where = append(where, "resolution IN ("+placeholders(len(opts.Resolutions))+")")
		for _, r := range opts.Resolutions {
			args = append(args, string(r))
		}
	}
	if len(opts.Reasons) > 0 {
		where = append(where, "reason IN ("+placeholders(len(opts.Reasons))+")")
		for _, r := range opts.Reasons {
			args = append(args, string(r))
		}
	}

	query := "SELECT payload FROM review_items"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询复核列表失败")
	}
	defer rows.Close()

	items := make([]*Item, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取复核项失败")
		}
		item, err := decodeItem(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历复核列表失败")
	}
	return items, nil
}

// Update 实现 Store，锁定行后写回，死锁时整体重试。
func (s *MySQLStore) Update(ctx context.Context, id string, fn func(item *Item) error) (*Item, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		item, err := s.updateOnce(ctx, id, fn)
		if err == nil {
			return item, nil
		}
		if !storage.IsTxConflict(err) {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新复核项失败")
		}
		lastErr = err
	}
	return nil, xerrors.Wrap(xerrors.CodeConflict, lastErr, "复核项更新冲突: "+id)
}

func (s *MySQLStore) updateOnce(ctx context.Context, id string, fn func(item *Item) error) (item *Item, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var payload string
	if err = tx.QueryRowContext(ctx, mysqlLockItem, id).Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	item, err = decodeItem(payload)
	if err != nil {
		return nil, err
	}
	if err = fn(item); err != nil {
		return nil, err
	}
	item.ID = id
	encoded, err := json.Marshal(item)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码复核项失败")
	}
	if _, err = tx.ExecContext(ctx, mysqlUpdateItem,
		string(item.Reason), string(item.Resolution), string(encoded), item.Archived, resolvedMillis(item), id); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

// Close 由连接池的持有者负责关闭。
func (s *MySQLStore) Close() error { return nil }

func decodeItem(payload string) (*Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析复核项失败")
	}
	return &item, nil
}

func resolvedMillis(item *Item) int64 {
	if item.ResolvedAt == nil {
		return 0
	}
	return item.ResolvedAt.UnixMilli()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var (
	_ Store = (*MySQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
