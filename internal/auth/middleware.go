package auth

import (
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"
)

// Require 返回一个 HTTP 中间件，要求调用方具备 permission。未启用认证时直接放行。
func (s *Service) Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(permission)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if stdErrors.Is(err, ErrPermissionDenied) || stdErrors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				writeDenied(w, status, err)
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("subject", subject.Name))
				}
				s.audit.Warn("access_denied", attrs...)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			if r.Method == http.MethodGet {
				return
			}
			s.audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name),
			)
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, err error) {
	code := "UNAUTHORIZED"
	if status == http.StatusForbidden {
		code = "FORBIDDEN"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cerberus"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": err.Error()},
	})
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
