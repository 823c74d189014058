package router

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"Cerberus-Core/internal/capability"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/memory"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/pkg/logger"
)

const defaultTimeout = 60 * time.Second

// Budget 约束一次路由，零值字段表示不限制。
type Budget struct {
	MaxCost       float64       `json:"max_cost,omitempty" yaml:"max_cost"`
	MaxLatency    time.Duration `json:"max_latency,omitempty" yaml:"max_latency"`
	MinConfidence float64       `json:"min_confidence,omitempty" yaml:"min_confidence"`
}

// Or 用 fallback 填充未设置的字段。
func (b Budget) Or(fallback Budget) Budget {
	if b.MaxCost == 0 {
		b.MaxCost = fallback.MaxCost
	}
	if b.MaxLatency == 0 {
		b.MaxLatency = fallback.MaxLatency
	}
	if b.MinConfidence == 0 {
		b.MinConfidence = fallback.MinConfidence
	}
	return b
}

func (b Budget) fits(cost float64, latency time.Duration, confidence float64) bool {
	if b.MaxCost > 0 && cost > b.MaxCost {
		return false
	}
	if b.MaxLatency > 0 && latency > b.MaxLatency {
		return false
	}
	if b.MinConfidence > 0 && confidence < b.MinConfidence {
		return false
	}
	return true
}

// Candidate 是某能力类型下的一个候选后端及其预期表现，按配置顺序排名。
type Candidate struct {
	Backend     string        `json:"backend" yaml:"backend"`
	Model       string        `json:"model,omitempty" yaml:"model"`
	Cost        float64       `json:"cost" yaml:"cost"`
	Latency     time.Duration `json:"latency" yaml:"latency"`
	Confidence  float64       `json:"confidence" yaml:"confidence"`
	Temperature float64       `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Request 是需要路由的一个子任务。
type Request struct {
	TaskID  string
	Kind    capability.Kind
	Payload string
	Params  capability.Params
	Budget  Budget
}

// Decision 是一次路由选择，只在本次调用内有效。
type Decision struct {
	TaskID             string
	Kind               capability.Kind
	Backend            string
	Model              string
	Params             capability.Params
	EstimatedCost      float64
	EstimatedLatency   time.Duration
	ExpectedConfidence float64
	Rank               int
	BestEffort         bool
}

// Option 配置 Router。
type Option func(*Router)

// WithStatsStore 替换统计存储。
func WithStatsStore(store StatsStore) Option {
	return func(r *Router) {
		if store != nil {
			r.stats = store
		}
	}
}

// WithMemoryStats 使用记忆存储保存统计。
func WithMemoryStats(store memory.Store, alpha float64) Option {
	return func(r *Router) {
		if store != nil {
			r.stats = NewMemoryStats(store, alpha)
		}
	}
}

// WithTimeout 设置单次后端调用的默认超时。
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBackendTimeout 为指定后端设置超时。
func WithBackendTimeout(backend string, d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.backendTimeouts[backend] = d
		}
	}
}

// WithRateLimit 为指定后端设置每秒请求数与突发量。
func WithRateLimit(backend string, perSecond float64, burst int) Option {
	return func(r *Router) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiters[backend] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDefaultBudget 设置请求未指定预算时使用的约束。
func WithDefaultBudget(b Budget) Option {
	return func(r *Router) {
		r.defaultBudget = b
	}
}

// Router 根据预算与历史统计为子任务选择后端。并发安全。
type Router struct {
	backends        *capability.Registry
	candidates      map[capability.Kind][]Candidate
	stats           StatsStore
	limiters        map[string]*rate.Limiter
	timeout         time.Duration
	backendTimeouts map[string]time.Duration
	defaultBudget   Budget
	now             func() time.Time
}

// New 创建路由器。每个候选引用的后端都必须已注册。
func New(backends *capability.Registry, candidates map[capability.Kind][]Candidate, opts ...Option) (*Router, error) {
	if backends == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "路由器缺少后端注册表")
	}
	r := &Router{
		backends:        backends,
		candidates:      make(map[capability.Kind][]Candidate, len(candidates)),
		limiters:        make(map[string]*rate.Limiter),
		timeout:         defaultTimeout,
		backendTimeouts: make(map[string]time.Duration),
		now:             time.Now,
	}
	for kind, list := range candidates {
		if !kind.Valid() {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的能力类型: "+string(kind))
		}
		for _, c := range list {
			if _, ok := backends.Get(c.Backend); !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "候选引用了未注册的后端: "+c.Backend)
			}
		}
		r.candidates[kind] = append([]Candidate(nil), list...)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.stats == nil {
		r.stats = NewMemoryStats(memory.NewMemoryStore(), DefaultAlpha)
	}
	return r, nil
}

// Candidates 返回某类型的候选列表副本。
func (r *Router) Candidates(kind capability.Kind) []Candidate {
	return append([]Candidate(nil), r.candidates[kind]...)
}

// Stats 返回统计存储。
func (r *Router) Stats() StatsStore { return r.stats }

func validateRequest(req Request) error {
	if !req.Kind.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的能力类型: "+string(req.Kind))
	}
	if strings.TrimSpace(req.Payload) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "子任务内容为空")
	}
	return nil
}

// Route 选择排名最高且满足预算的候选；没有候选满足时选择成本最低的候选并标记 BestEffort。
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	if err := validateRequest(req); err != nil {
		return Decision{}, err
	}
	list := r.candidates[req.Kind]
	if len(list) == 0 {
		return Decision{}, xerrors.New(xerrors.CodeBackendUnavailable, "没有可处理该类型的后端: "+string(req.Kind),
			xerrors.WithRetryable(false))
	}
	budget := req.Budget.Or(r.defaultBudget)

	type effective struct {
		cost       float64
		latency    time.Duration
		confidence float64
	}
	figures := make([]effective, len(list))
	for i, c := range list {
		figures[i] = effective{c.Cost, c.Latency, c.Confidence}
		stats, found, err := r.stats.Load(ctx, req.Kind, c.Backend)
		if err != nil {
			logger.L().Warn("读取后端统计失败，使用配置的预期值",
				slog.String("backend", c.Backend), slog.Any("error", err))
			continue
		}
		if found && stats.Samples > 0 {
			figures[i] = effective{stats.Cost, stats.Latency(), stats.Confidence}
		}
	}

	chosen, bestEffort := -1, false
	for i, f := range figures {
		if budget.fits(f.cost, f.latency, f.confidence) {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		bestEffort = true
		chosen = 0
		for i, f := range figures {
			if f.cost < figures[chosen].cost {
				chosen = i
			}
		}
	}

	c := list[chosen]
	params := req.Params
	if params.Model == "" {
		params.Model = c.Model
	}
	if params.Temperature == 0 {
		params.Temperature = c.Temperature
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = c.MaxTokens
	}
	metrics.ObserveRoute(string(req.Kind), bestEffort)
	return Decision{
		TaskID:             req.TaskID,
		Kind:               req.Kind,
		Backend:            c.Backend,
		Model:              params.Model,
		Params:             params,
		EstimatedCost:      figures[chosen].cost,
		EstimatedLatency:   figures[chosen].latency,
		ExpectedConfidence: figures[chosen].confidence,
		Rank:               chosen,
		BestEffort:         bestEffort,
	}, nil
}

// Invoke 执行路由决策，不做重试。低置信度结果是合法结果。
func (r *Router) Invoke(ctx context.Context, req Request, dec Decision) (*capability.Result, error) {
	backend, ok := r.backends.Get(dec.Backend)
	if !ok {
		return nil, xerrors.New(xerrors.CodeBackendUnavailable, "后端未注册: "+dec.Backend, xerrors.WithRetryable(false))
	}
	if limiter := r.limiters[dec.Backend]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, capability.Unavailable(dec.Backend, err, "等待限流令牌失败")
		}
	}

	timeout := r.timeout
	if d, ok := r.backendTimeouts[dec.Backend]; ok {
		timeout = d
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	res, err := backend.Invoke(callCtx, capability.Request{Kind: req.Kind, Payload: req.Payload, Params: dec.Params})
	elapsed := r.now().Sub(start)

	if err == nil && res == nil {
		err = capability.Failed(dec.Backend, nil, "后端返回空结果")
	}
	if err != nil {
		err = classify(dec.Backend, callCtx, err)
		code := string(xerrors.CodeOf(err))
		r.record(ctx, req.Kind, dec.Backend, Observation{Latency: elapsed, Failed: true, ErrorCode: code})
		metrics.ObserveBackendCall(dec.Backend, string(req.Kind), code, elapsed, 0)
		return nil, err
	}

	if res.Model == "" {
		res.Model = dec.Model
	}
	r.record(ctx, req.Kind, dec.Backend, Observation{Cost: res.Cost, Latency: elapsed, Confidence: res.Confidence})
	metrics.ObserveBackendCall(dec.Backend, string(req.Kind), "ok", elapsed, res.Cost)
	return res, nil
}

// Execute 路由并调用。
func (r *Router) Execute(ctx context.Context, req Request) (Decision, *capability.Result, error) {
	dec, err := r.Route(ctx, req)
	if err != nil {
		return Decision{}, nil, err
	}
	res, err := r.Invoke(ctx, req, dec)
	return dec, res, err
}

func (r *Router) record(ctx context.Context, kind capability.Kind, backend string, obs Observation) {
	if _, err := r.stats.Record(context.WithoutCancel(ctx), kind, backend, obs); err != nil {
		logger.L().Warn("更新后端统计失败", slog.String("backend", backend), slog.Any("error", err))
	}
}

func classify(backend string, callCtx context.Context, err error) error {
	if xerrors.IsCode(err, xerrors.CodeBackendUnavailable) || xerrors.IsCode(err, xerrors.CodeBackendError) {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return capability.Unavailable(backend, err, "后端调用超时")
	}
	if stdErrors.Is(err, context.Canceled) {
		return capability.Unavailable(backend, err, "后端调用被取消")
	}
	return capability.Failed(backend, err, "后端调用失败")
}
