package request

import (
	"context"

	xerrors "Cerberus-Core/internal/errors"
)

// Store 抽象了请求状态的持久化接口。
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Claim 把 pending 或可重试的 failed 请求标记为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Request, error)
	// MarkFailed 记录一次失败。terminal 为 false 时请求保持可领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// Finish 写入终态与聚合结果。
	Finish(ctx context.Context, id string, outcome Outcome) error
	List(ctx context.Context, opts ListOptions) ([]*Request, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
