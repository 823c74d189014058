package auth

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"Cerberus-Core/pkg/logger"
)

// Service 按静态 API 令牌识别调用方。
type Service struct {
	subjects map[[sha256.Size]byte]*Subject
	audit    *slog.Logger
}

// NewService 构造身份认证服务实例。令牌以摘要形式保存。
func NewService(cfg Config) (*Service, error) {
	svc := &Service{
		subjects: make(map[[sha256.Size]byte]*Subject, len(cfg.Tokens)),
		audit:    logger.Audit(),
	}
	for i, t := range cfg.Tokens {
		token := strings.TrimSpace(t.Token)
		if token == "" {
			return nil, fmt.Errorf("第 %d 个 API 令牌为空", i+1)
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		digest := sha256.Sum256([]byte(token))
		if existing, dup := svc.subjects[digest]; dup {
			return nil, fmt.Errorf("API 令牌重复: %s 与 %s", existing.Name, name)
		}
		perms := t.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionAll}
		}
		subject := &Subject{Name: name, Permissions: append([]string(nil), perms...), Disabled: t.Disabled}
		subject.normalise()
		svc.subjects[digest] = subject
	}
	return svc, nil
}

// Enabled 报告是否配置了任何令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.subjects) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	subject, ok := s.subjects[sha256.Sum256([]byte(strings.TrimSpace(token)))]
	if !ok {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}
