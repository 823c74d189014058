package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Cerberus-Core/internal/agent"
	"Cerberus-Core/internal/auth"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/request"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/pkg/logger"
)

// RequestService 是 API 依赖的请求提交与查询能力。
type RequestService interface {
	Submit(ctx context.Context, sub request.Submission) (*request.Request, error)
	Get(ctx context.Context, id string) (*request.Request, error)
	List(ctx context.Context, opts ...request.ListOption) ([]*request.Request, error)
	Stats(ctx context.Context, opts ...request.ListOption) (request.Stats, error)
}

// ReviewService 是 API 依赖的人工复核能力。
type ReviewService interface {
	Get(ctx context.Context, id string) (*review.Item, error)
	List(ctx context.Context, opts ...review.ListOption) ([]*review.Item, error)
	Resolve(ctx context.Context, id string, resolution review.Resolution, corrected *record.ExtractedRecord, note string) (*review.Item, error)
}

// AgentCatalog 列出已加载的智能体。
type AgentCatalog interface {
	List() []*agent.Bundle
}

// Server 负责暴露 REST 接口，供外部提交请求并处理复核。
type Server struct {
	addr     string
	requests RequestService
	reviews  ReviewService
	agents   AgentCatalog
	auth     *auth.Service
	log      *slog.Logger

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithTimeouts 设置读取请求头与优雅关闭的超时时间。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithAuth 为业务接口启用 API 令牌认证。健康检查与指标接口不受影响。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, requests RequestService, reviews ReviewService, agents AgentCatalog, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		requests:          requests,
		reviews:           reviews,
		agents:            agents,
		log:               logger.Named("api"),
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/requests", "requests.create", auth.PermissionRequestsWrite, s.handleCreateRequest)
	s.route(mux, "GET /api/v1/requests", "requests.list", auth.PermissionRequestsRead, s.handleListRequests)
	s.route(mux, "GET /api/v1/requests/{id}", "requests.get", auth.PermissionRequestsRead, s.handleRequestDetail)
	s.route(mux, "GET /api/v1/reviews", "reviews.list", auth.PermissionReviewsRead, s.handleListReviews)
	s.route(mux, "GET /api/v1/reviews/{id}", "reviews.get", auth.PermissionReviewsRead, s.handleReviewDetail)
	s.route(mux, "POST /api/v1/reviews/{id}/resolve", "reviews.resolve", auth.PermissionReviewsWrite, s.handleResolveReview)
	s.route(mux, "GET /api/v1/agents", "agents.list", auth.PermissionAgentsRead, s.handleListAgents)
	s.route(mux, "GET /healthz", "healthz", "", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if permission != "" && s.auth.Enabled() {
		h = s.auth.Require(permission)(h)
	}
	mux.Handle(pattern, instrument(name, h))
}

type submitBody struct {
	ID          string               `json:"id"`
	AgentID     string               `json:"agent_id"`
	Description string               `json:"description"`
	Action      string               `json:"action"`
	Inputs      []string             `json:"inputs"`
	Attachments []request.Attachment `json:"attachments"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "请求服务未初始化"))
		return
	}
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	req, err := s.requests.Submit(r.Context(), request.Submission{
		ID:          body.ID,
		AgentID:     body.AgentID,
		Description: body.Description,
		Action:      body.Action,
		Inputs:      body.Inputs,
		Attachments: body.Attachments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "请求服务未初始化"))
		return
	}
	q := r.URL.Query()
	opts := []request.ListOption{
		request.WithLimit(intParam(q.Get("limit"))),
		request.WithOffset(intParam(q.Get("offset"))),
		request.WithAgent(q.Get("agent")),
		request.WithQuery(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []request.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, request.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, request.WithStatuses(statuses...))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, request.WithSortOrder(request.SortByUpdatedAsc))
	}
	list, err := s.requests.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "请求服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少请求 ID"))
		return
	}
	req, err := s.requests.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	if s.reviews == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "复核服务未初始化"))
		return
	}
	q := r.URL.Query()
	opts := []review.ListOption{
		review.WithAgent(q.Get("agent")),
		review.WithLimit(intParam(q.Get("limit"))),
		review.WithOffset(intParam(q.Get("offset"))),
	}
	if raw := q.Get("resolution"); raw != "" {
		opts = append(opts, review.WithResolutions(review.Resolution(raw)))
	}
	if raw := q.Get("reason"); raw != "" {
		opts = append(opts, review.WithReasons(review.Reason(raw)))
	}
	if q.Get("archived") == "true" {
		opts = append(opts, review.WithArchived())
	}
	items, err := s.reviews.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

func (s *Server) handleReviewDetail(w http.ResponseWriter, r *http.Request) {
	if s.reviews == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "复核服务未初始化"))
		return
	}
	item, err := s.reviews.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type resolveBody struct {
	Resolution string                  `json:"resolution"`
	Record     *record.ExtractedRecord `json:"record"`
	Note       string                  `json:"note"`
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	if s.reviews == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "复核服务未初始化"))
		return
	}
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	resolution, err := review.ParseResolution(body.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	note := body.Note
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		note = strings.TrimSpace("[" + subject.Name + "] " + note)
	}
	item, err := s.reviews.Resolve(r.Context(), r.PathValue("id"), resolution, body.Record, note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type agentSummary struct {
	Name        string     `json:"name"`
	Type        agent.Type `json:"type"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description,omitempty"`
	Actions     []string   `json:"actions,omitempty"`
	Documents   []string   `json:"document_types,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []agentSummary{}})
		return
	}
	bundles := s.agents.List()
	out := make([]agentSummary, 0, len(bundles))
	for _, b := range bundles {
		sum := agentSummary{Name: b.Name, Type: b.Type, Enabled: b.IsEnabled(), Description: b.Description}
		for _, a := range b.Actions {
			sum.Actions = append(sum.Actions, a.Name)
		}
		for _, t := range b.DocumentTypes {
			sum.Documents = append(sum.Documents, t.Name)
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.requests != nil {
		if stats, err := s.requests.Stats(r.Context()); err == nil {
			body["requests"] = stats
		} else {
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]errorBody{"error": {Code: string(code), Message: err.Error()}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, request.CodeRequestValidation, xerrors.CodeInvalidGraph:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, request.CodeRequestNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, request.CodeRequestConflict, request.CodeRequestFinished:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, request.CodeRequestPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
