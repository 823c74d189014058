package memory

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "Cerberus-Core/internal/errors"
	storage "Cerberus-Core/internal/storage/mysql"
)

const (
	mysqlGetEntry = `SELECT value, updated_at FROM memory_entries
        WHERE scope_agent = ? AND scope_key = ? AND entry_key = ?`
	mysqlLockEntry = `SELECT value FROM memory_entries
        WHERE scope_agent = ? AND scope_key = ? AND entry_key = ? FOR UPDATE`
	mysqlUpsertEntry = `INSERT INTO memory_entries (scope_agent, scope_key, entry_key, value, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
)

// MySQLStore 使用 memory_entries 表保存记忆，主键为 (scope_agent, scope_key, entry_key)。
type MySQLStore struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &MySQLStore{db: db, maxRetries: 5, now: time.Now}, nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, scope Scope, key string) (Entry, bool, error) {
	if err := validate(scope, key); err != nil {
		return Entry{}, false, err
	}
	var (
		value     []byte
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, mysqlGetEntry, scope.AgentID, scope.Key, key).Scan(&value, &updatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 MySQL 记忆失败")
	}
	return Entry{Scope: scope, Key: key, Value: value, UpdatedAt: time.UnixMilli(updatedAt)}, true, nil
}

// Put 实现 Store 接口，依赖 ON DUPLICATE KEY UPDATE 保证单行原子覆盖。
func (s *MySQLStore) Put(ctx context.Context, scope Scope, key string, value []byte) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, mysqlUpsertEntry, scope.AgentID, scope.Key, key, value, s.now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 MySQL 记忆失败")
	}
	return nil
}

// Update 通过 SELECT ... FOR UPDATE 锁定单行后写回，死锁时整体重试。
func (s *MySQLStore) Update(ctx context.Context, scope Scope, key string, fn UpdateFunc) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.updateOnce(ctx, scope, key, fn)
		if err == nil || stdErrors.Is(err, ErrSkipWrite) {
			return nil
		}
		if !storage.IsTxConflict(err) {
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 MySQL 记忆失败")
		}
		lastErr = err
	}
	return xerrors.Wrap(xerrors.CodeConflict, lastErr, fmt.Sprintf("记忆 %s#%s 更新冲突", scope, key))
}

func (s *MySQLStore) updateOnce(ctx context.Context, scope Scope, key string, fn UpdateFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current []byte
	found := true
	if scanErr := tx.QueryRowContext(ctx, mysqlLockEntry, scope.AgentID, scope.Key, key).Scan(&current); scanErr != nil {
		if !stdErrors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}
		found = false
	}

	next, err := fn(current, found)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, mysqlUpsertEntry, scope.AgentID, scope.Key, key, next, s.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// Close 由连接池的持有者负责关闭，这里不做处理。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
