package request

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/pkg/logger"
)

// AgentResolver 在入队前确认智能体存在且已启用。
type AgentResolver func(agentID string) error

// Service 负责请求的创建与查询。
type Service struct {
	store       Store
	producer    Producer
	maxAttempts int
	resolve     AgentResolver
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithAgentResolver 在提交时校验智能体。
func WithAgentResolver(fn AgentResolver) ServiceOption {
	return func(s *Service) {
		s.resolve = fn
	}
}

// NewService 构造请求服务。maxAttempts 不大于 0 时使用 3。
func NewService(store Store, producer Producer, maxAttempts int, opts ...ServiceOption) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	s := &Service{store: store, producer: producer, maxAttempts: maxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 保存请求并推送到队列。携带已存在的 ID 时直接返回已有请求。
func (s *Service) Submit(ctx context.Context, sub Submission) (*Request, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "请求服务未初始化")
	}
	if s.resolve != nil {
		if err := s.resolve(sub.AgentID); err != nil {
			return nil, err
		}
	}

	id := strings.TrimSpace(sub.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	req := &Request{
		ID:          id,
		AgentID:     strings.TrimSpace(sub.AgentID),
		Description: sub.Description,
		Action:      strings.TrimSpace(sub.Action),
		Inputs:      sub.Inputs,
		Attachments: sub.Attachments,
		Tasks:       sub.Tasks,
		Status:      StatusPending,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, req); err != nil {
		if stdErrors.Is(err, ErrRequestConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("请求入队失败", slog.Any("error", err), slog.String("request_id", id))
		wrapped := xerrors.Wrap(CodeRequestPublish, err, "发布请求到队列失败")
		if markErr := s.store.MarkFailed(ctx, id, CodeRequestPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Error("回写入队失败状态出错", slog.Any("error", markErr), slog.String("request_id", id))
		}
		metrics.ObserveRequest(string(StatusFailed))
		return nil, wrapped
	}
	metrics.ObserveRequest(string(StatusPending))
	logger.Audit().Info("请求入队成功",
		slog.String("request_id", id),
		slog.String("agent_id", req.AgentID),
		slog.String("action", req.Action),
		slog.Int("inputs", len(req.Inputs)+len(req.Attachments)),
		slog.Int("max_attempts", req.MaxAttempts),
	)
	return req, nil
}

// Get 返回指定请求的状态。
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "请求存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的请求列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Request, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "请求存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的请求统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "请求存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilSettled 轮询直到请求不会再被执行。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Settled() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
