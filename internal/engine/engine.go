package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/document"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/observability/alerting"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/internal/pipeline"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/internal/router"
	"Cerberus-Core/internal/sink"
	"Cerberus-Core/pkg/logger"
)

// 默认执行参数。
const (
	DefaultMaxParallel = 4
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 200 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
	DefaultTaskTimeout = 2 * time.Minute
)

// Config 是引擎的执行参数。
type Config struct {
	MaxParallel int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// Backoff 返回第 attempt 次失败后的等待时间：base * 2^(attempt-1)，上限 max。
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Request 是提交给引擎的高层请求。
type Request struct {
	ID          string
	AgentID     string
	Description string
	Action      string
	Inputs      []*document.Document
	// Tasks 非空时直接使用显式任务，不经过规划。
	Tasks []TaskSpec
}

// Plan 是规划器的输出。
type Plan struct {
	AgentID string
	Profile *pipeline.Profile
	Budget  router.Budget
	Tasks   []TaskSpec
}

// Planner 把请求分解为任务。
type Planner interface {
	Plan(ctx context.Context, req Request) (*Plan, error)
}

// RouterInvoker 是引擎使用的路由能力。
type RouterInvoker interface {
	Execute(ctx context.Context, req router.Request) (router.Decision, *capability.Result, error)
}

// DocumentProcessor 是引擎使用的流水线能力。
type DocumentProcessor interface {
	Process(ctx context.Context, profile pipeline.Profile, doc *document.Document, opts ...pipeline.ProcessOption) (*pipeline.Outcome, error)
	Commit(ctx context.Context, profile pipeline.Profile, rec *record.ExtractedRecord, s sink.Sink) error
	Sink() sink.Sink
}

// ReviewQueue 接收草稿与兜底的复核条目。
type ReviewQueue interface {
	Enqueue(ctx context.Context, item *review.Item) error
}

// Option 配置引擎。
type Option func(*Engine)

// WithConfig 设置执行参数。
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

// WithPlanner 设置规划器。
func WithPlanner(p Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithPipeline 设置文档流水线。
func WithPipeline(p DocumentProcessor) Option {
	return func(e *Engine) { e.pipeline = p }
}

// WithReviews 设置复核队列，用于需要人工确认的草稿。
func WithReviews(q ReviewQueue) Option {
	return func(e *Engine) { e.reviews = q }
}

// WithRecoveryHandler 设置重试耗尽后的兜底策略。
func WithRecoveryHandler(h RecoveryHandler) Option {
	return func(e *Engine) { e.recovery = h }
}

// WithAlertDispatcher 设置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerter = d }
}

// Engine 是 APEX 任务分解与执行引擎。
type Engine struct {
	router   RouterInvoker
	pipeline DocumentProcessor
	reviews  ReviewQueue
	planner  Planner
	recovery RecoveryHandler
	alerter  alerting.Dispatcher
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
}

// New 创建引擎。
func New(r RouterInvoker, opts ...Option) (*Engine, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "引擎缺少路由器")
	}
	e := &Engine{
		router: r,
		cfg:    Config{}.withDefaults(),
		now:    time.Now,
		log:    logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Config 返回生效的执行参数。
func (e *Engine) Config() Config { return e.cfg }

// Submit 分解请求并校验任务图。图非法时返回 INVALID_GRAPH，且没有任务被执行。
func (e *Engine) Submit(ctx context.Context, req Request) (*Graph, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	var plan *Plan
	switch {
	case e.planner != nil:
		p, err := e.planner.Plan(ctx, req)
		if err != nil {
			return nil, err
		}
		plan = p
	case len(req.Tasks) > 0:
		plan = &Plan{AgentID: req.AgentID, Tasks: req.Tasks}
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "引擎未配置规划器且请求没有显式任务")
	}
	if plan == nil {
		return nil, invalidGraph("规划结果为空")
	}
	agentID := plan.AgentID
	if agentID == "" {
		agentID = req.AgentID
	}
	g, err := NewGraph(req.ID, agentID, plan.Tasks, plan.Profile)
	if err != nil {
		e.log.Warn("任务图校验失败", slog.String("request_id", req.ID), slog.Any("error", err))
		metrics.ObserveGraph(agentID, "rejected")
		return nil, err
	}
	g.Budget = plan.Budget
	if g.Budget == (router.Budget{}) && plan.Profile != nil {
		g.Budget = plan.Profile.Budget
	}
	e.log.Info("任务图已创建",
		slog.String("request_id", req.ID),
		slog.String("graph_id", g.ID),
		slog.String("agent_id", agentID),
		slog.Int("tasks", g.Len()),
	)
	return g, nil
}

// Execute 是 Submit 与 Run 的组合。
func (e *Engine) Execute(ctx context.Context, req Request) (*AggregatedResult, error) {
	g, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, g)
}

// Run 执行任务图直到所有任务到达终态。部分任务失败不会导致 Run 失败；
// ctx 被取消时不再派发新任务，已派发的任务在分离的上下文中执行完毕，
// 返回部分结果与 GRAPH_ABORTED。
func (e *Engine) Run(ctx context.Context, g *Graph) (*AggregatedResult, error) {
	if g == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务图为空")
	}
	if !g.started.CompareAndSwap(false, true) {
		return nil, xerrors.New(xerrors.CodeConflict, "任务图已经执行过: "+g.ID)
	}
	started := e.now().UTC()
	log := e.log.With(slog.String("graph_id", g.ID), slog.String("request_id", g.RequestID))

	c := &coordinator{engine: e, graph: g, log: log, done: make(chan attemptResult)}
	aborted := c.loop(ctx)

	result := aggregate(g, started, e.now().UTC(), aborted)
	metrics.ObserveGraph(g.AgentID, string(result.Status))
	log.Info("任务图执行结束",
		slog.String("status", string(result.Status)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("needs_review", result.NeedsReview),
		slog.Int("blocked", result.Blocked),
		slog.Int("aborted", result.Aborted),
	)
	if aborted {
		err := xerrors.New(xerrors.CodeGraphAborted, "任务图被取消: "+g.ID,
			xerrors.WithMetadata("graph_id", g.ID),
			xerrors.WithMetadata("request_id", g.RequestID))
		ev := alerting.NewEvent(err, "")
		ev.AgentID = g.AgentID
		ev.RequestID = g.RequestID
		alerting.Emit(context.WithoutCancel(ctx), e.alerter, ev)
		return result, err
	}
	return result, nil
}

// dependencyContext 把已成功依赖的输出拼接到汇总任务的输入之后。
func dependencyContext(g *Graph, t *Task) string {
	if len(t.Dependencies) == 0 {
		return t.Payload.Text
	}
	var b strings.Builder
	b.WriteString(t.Payload.Text)
	b.WriteString("\n\n## Results from earlier steps\n")
	for _, id := range t.Dependencies {
		dep, ok := g.Task(id)
		if !ok || dep.Status != StatusSucceeded {
			continue
		}
		b.WriteString("\n### ")
		b.WriteString(dep.ID)
		b.WriteString(" (")
		b.WriteString(string(dep.Kind))
		b.WriteString(")\n")
		b.WriteString(summarize(dep))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func summarize(t *Task) string {
	res := t.Result
	if res == nil {
		return "(no output)"
	}
	var parts []string
	if res.DocumentID != "" {
		parts = append(parts, "document: "+res.DocumentID)
	}
	if res.Label != "" {
		parts = append(parts, "label: "+res.Label)
	}
	if res.Record != nil {
		parts = append(parts, "type: "+res.Record.DocumentType)
		for _, f := range res.Record.Fields {
			parts = append(parts, f.Name+": "+f.Value)
		}
	}
	if res.Text != "" {
		parts = append(parts, res.Text)
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}
