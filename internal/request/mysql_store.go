package request

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
	storage "Cerberus-Core/internal/storage/mysql"
)

const (
	mysqlRequestColumns = `id, agent_id, description, action, inputs, status, attempts, max_attempts,
        last_error, error_code, result, created_at, updated_at`

	mysqlInsertRequest = `INSERT INTO requests
        (id, agent_id, description, action, inputs, status, attempts, max_attempts, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	mysqlGetRequest   = `SELECT ` + mysqlRequestColumns + ` FROM requests WHERE id = ?`
	mysqlClaimRequest = `UPDATE requests SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_attempts`
	mysqlFailRequest = `UPDATE requests SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_attempts = CASE WHEN ? THEN attempts ELSE max_attempts END WHERE id = ?`
	mysqlFinishRequest = `UPDATE requests SET status = ?, last_error = ?, error_code = ?, result = COALESCE(?, result), updated_at = ?
        WHERE id = ?`
	mysqlStatsRequests = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS rejected,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS aborted,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM requests`
)

// inputsColumn 是 inputs 列的 JSON 结构，保存执行请求所需的全部输入。
type inputsColumn struct {
	Inputs      []string          `json:"inputs,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Tasks       []engine.TaskSpec `json:"tasks,omitempty"`
}

// MySQLStore 使用 requests 表记录请求状态，聚合结果以 JSON 存在 result 列。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// Create 插入新的请求记录。
func (s *MySQLStore) Create(ctx context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	if strings.TrimSpace(req.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	inputs, err := json.Marshal(inputsColumn{Inputs: req.Inputs, Attachments: req.Attachments, Tasks: req.Tasks})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求输入失败")
	}

	now := s.now().Unix()
	req.CreatedAt = now
	req.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, mysqlInsertRequest,
		req.ID,
		req.AgentID,
		req.Description,
		req.Action,
		string(inputs),
		string(req.Status),
		req.Attempts,
		req.MaxAttempts,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		if storage.IsDuplicateEntry(err) {
			return ErrRequestConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入请求失败")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req       Request
		status    string
		inputs    sql.NullString
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&req.ID,
		&req.AgentID,
		&req.Description,
		&req.Action,
		&inputs,
		&status,
		&req.Attempts,
		&req.MaxAttempts,
		&lastError,
		&req.ErrorCode,
		&result,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.Status = Status(status)
	req.LastError = lastError.String
	if inputs.Valid && strings.TrimSpace(inputs.String) != "" {
		var col inputsColumn
		if err := json.Unmarshal([]byte(inputs.String), &col); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求输入失败")
		}
		req.Inputs, req.Attachments, req.Tasks = col.Inputs, col.Attachments, col.Tasks
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var agg engine.AggregatedResult
		if err := json.Unmarshal([]byte(result.String), &agg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求结果失败")
		}
		req.Result = &agg
	}
	return &req, nil
}

// Get 查询指定请求。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, mysqlGetRequest, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求失败")
	}
	return req, nil
}

// Claim 将请求标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Request, error) {
	res, err := s.db.ExecContext(ctx, mysqlClaimRequest,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新请求状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	req, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return req, nil
	}
	switch {
	case req.Status.Terminal():
		return req, ErrRequestFinished
	case req.Status == StatusRunning:
		return req, ErrRequestConflict
	case req.Attempts >= req.MaxAttempts:
		return req, ErrRequestExhausted
	default:
		return req, ErrRequestConflict
	}
}

// MarkFailed 将请求标记为失败，terminal 为 true 时关闭剩余的重试额度。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	res, err := s.db.ExecContext(ctx, mysqlFailRequest,
		string(StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		terminal,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记请求失败状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// Finish 写入终态与聚合结果。结果为空时保留已有结果。
func (s *MySQLStore) Finish(ctx context.Context, id string, outcome Outcome) error {
	var result sql.NullString
	if outcome.Result != nil {
		payload, err := json.Marshal(outcome.Result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求结果失败")
		}
		result = sql.NullString{String: string(payload), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, mysqlFinishRequest,
		string(outcome.Status),
		outcome.LastError,
		string(outcome.ErrorCode),
		result,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入请求结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// List 返回符合过滤条件的请求。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Request, error) {
	opts.applyDefaults()

	query := `SELECT ` + mysqlRequestColumns + ` FROM requests`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求列表失败")
	}
	defer rows.Close()

	out := make([]*Request, 0, opts.Limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求记录失败")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历请求失败")
	}
	return out, nil
}

// Stats 返回符合过滤条件的请求聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := mysqlStatsRequests
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending), string(StatusRunning), string(StatusCompleted),
		string(StatusFailed), string(StatusRejected), string(StatusAborted),
	}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.Rejected,
		&stats.Aborted,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR description LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
