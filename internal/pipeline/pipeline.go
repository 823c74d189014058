package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/document"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/knowledge"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/internal/router"
	"Cerberus-Core/internal/sink"
	"Cerberus-Core/pkg/logger"
)

// State 是单个文档在流水线中的阶段。
type State string

const (
	StateIntake          State = "intake"
	StateClassified      State = "classified"
	StateExtracted       State = "extracted"
	StateValidated       State = "validated"
	StateAccepted        State = "accepted"
	StateQueuedForReview State = "queued_for_review"
)

// Decision 是由分类、抽取与校验信号一次性计算出的结论：接受或转人工复核。
type Decision struct {
	Accepted bool          `json:"accepted"`
	Reason   review.Reason `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Accept 构造接受结论。
func Accept() Decision { return Decision{Accepted: true} }

// NeedsReview 构造转人工结论。
func NeedsReview(reason review.Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Outcome 是一次 Process 的结果。
type Outcome struct {
	DocumentID string                  `json:"document_id"`
	State      State                   `json:"state"`
	Decision   Decision                `json:"decision"`
	Record     *record.ExtractedRecord `json:"record,omitempty"`
	ReviewID   string                  `json:"review_id,omitempty"`
	// Duplicate 表示结果来自账本，本次没有重新抽取。
	Duplicate bool    `json:"duplicate,omitempty"`
	Cost      float64 `json:"cost"`
}

// Router 是流水线依赖的路由能力。
type Router interface {
	Execute(ctx context.Context, req router.Request) (router.Decision, *capability.Result, error)
}

// ReviewQueue 接收需要人工复核的条目。
type ReviewQueue interface {
	Enqueue(ctx context.Context, item *review.Item) error
}

// Option 配置流水线。
type Option func(*Pipeline)

// WithSink 设置接受记录的默认写入目标。
func WithSink(s sink.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithKnowledge 设置抽取提示中使用的知识库。
func WithKnowledge(k knowledge.Provider) Option {
	return func(p *Pipeline) { p.knowledge = k }
}

// WithClaimLease 设置文档认领占位的租约，进程崩溃后占位在租约到期后失效。
func WithClaimLease(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.claimLease = d
		}
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// DefaultClaimLease 是文档认领占位的默认租约。
const DefaultClaimLease = 10 * time.Minute

// Pipeline 把文档转换为校验过的记录，并决定接受或转人工复核。
// 可并发使用；同一文档的处理在进程内串行，跨进程通过账本认领互斥。
type Pipeline struct {
	router     Router
	ledger     *record.Ledger
	reviews    ReviewQueue
	sink       sink.Sink
	knowledge  knowledge.Provider
	claimLease time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New 创建流水线。
func New(r Router, ledger *record.Ledger, reviews ReviewQueue, opts ...Option) (*Pipeline, error) {
	if r == nil || ledger == nil || reviews == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线缺少路由、账本或复核队列")
	}
	p := &Pipeline{
		router:     r,
		ledger:     ledger,
		reviews:    reviews,
		claimLease: DefaultClaimLease,
		now:        time.Now,
		log:        logger.Named("pipeline"),
		inflight:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Sink 返回默认写入目标。
func (p *Pipeline) Sink() sink.Sink { return p.sink }

// ProcessOption 为单次处理附加请求上下文。
type ProcessOption func(*processConfig)

type processConfig struct {
	requestID string
	taskID    string
}

// WithTask 标注处理所属的请求与任务，用于复核条目与日志。
func WithTask(requestID, taskID string) ProcessOption {
	return func(c *processConfig) {
		c.requestID = requestID
		c.taskID = taskID
	}
}

// Process 执行 intake -> classified -> extracted -> validated -> accepted | queued_for_review。
// 解码失败返回 UNSUPPORTED_DOCUMENT；后端错误原样返回供引擎重试；
// 写入目标失败时返回 SINK_FAILURE，同时返回携带记录的 Outcome，调用方可以只重试 Commit。
func (p *Pipeline) Process(ctx context.Context, profile Profile, doc *document.Document, opts ...ProcessOption) (*Outcome, error) {
	if doc == nil || doc.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "文档为空")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	var cfg processConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	log := p.log.With(slog.String("agent_id", profile.AgentID), slog.String("document_id", doc.ID))
	if cfg.taskID != "" {
		log = log.With(slog.String("task_id", cfg.taskID))
	}

	unlock, err := p.lock(ctx, profile.AgentID, doc.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, claimed, err := p.ledger.Claim(ctx, profile.AgentID, doc.ID, p.now().UTC(), p.claimLease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if prior, done := priorOutcome(doc.ID, prev); done {
			log.Info("文档已处理，跳过", slog.String("state", string(prior.State)))
			metrics.ObserveRecord(profile.AgentID, "duplicate")
			return prior, nil
		}
		return nil, xerrors.New(xerrors.CodeConflict, "文档正在被其他实例处理",
			xerrors.WithRetryable(true),
			xerrors.WithMetadata("document_id", doc.ID))
	}
	settled := false
	defer func() {
		if settled {
			return
		}
		if err := p.ledger.Release(context.WithoutCancel(ctx), profile.AgentID, doc.ID); err != nil {
			log.Warn("释放文档认领失败", slog.Any("error", err))
		}
	}()

	decoded, err := document.Decode(doc)
	if err != nil {
		metrics.ObserveRecord(profile.AgentID, "unsupported")
		return nil, err
	}

	pr := &processRun{
		p:       p,
		profile: profile,
		doc:     doc,
		decoded: decoded,
		cfg:     cfg,
		log:     log,
		state:   StateIntake,
		rec: &record.ExtractedRecord{
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			AgentID:      profile.AgentID,
			Sender:       decoded.Sender,
		},
	}
	if err := pr.classify(ctx); err != nil {
		return nil, err
	}
	if err := pr.extract(ctx); err != nil {
		return nil, err
	}
	pr.validate()
	decision := pr.decide()

	rec := pr.rec
	rec.ExtractedAt = p.now().UTC()
	rec.Destination = profile.DestinationFor(rec.DocumentType)
	out := &Outcome{DocumentID: doc.ID, Decision: decision, Record: rec, Cost: pr.cost}

	if decision.Accepted {
		out.State = StateAccepted
		if err := p.Commit(ctx, profile, rec, p.sink); err != nil {
			return out, err
		}
		settled = true
		log.Info("记录已接受", slog.String("document_type", rec.DocumentType), slog.Float64("confidence", rec.OverallConfidence))
		return out, nil
	}

	item := &review.Item{
		AgentID:   profile.AgentID,
		RequestID: cfg.requestID,
		TaskID:    cfg.taskID,
		Reason:    decision.Reason,
		Detail:    decision.Detail,
		Record:    rec,
	}
	if err := p.reviews.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	settled = true
	out.State = StateQueuedForReview
	out.ReviewID = item.ID
	out.Record = nil
	if err := p.ledger.SetOutcome(ctx, profile.AgentID, doc.ID, record.Outcome{
		Status:    record.OutcomeQueued,
		ReviewID:  item.ID,
		UpdatedAt: p.now().UTC(),
	}); err != nil {
		log.Warn("记录复核状态失败", slog.Any("error", err))
	}
	metrics.ObserveRecord(profile.AgentID, "review")
	log.Info("记录转人工复核", slog.String("reason", string(decision.Reason)), slog.String("review_id", item.ID))
	return out, nil
}

// Commit 把接受的记录写入目标端，成功后在账本记为 accepted。
// 目标端失败时账本不变，重复调用是安全的：目标端按 document_id 去重。
func (p *Pipeline) Commit(ctx context.Context, profile Profile, rec *record.ExtractedRecord, s sink.Sink) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录为空")
	}
	if s != nil {
		if err := s.Write(ctx, rec); err != nil {
			metrics.ObserveRecord(profile.AgentID, "sink_failure")
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return sink.Failure(s.Name(), err, "写入目标端失败", rec)
		}
	}
	if err := p.ledger.SetOutcome(ctx, profile.AgentID, rec.DocumentID, record.Outcome{
		Status:    record.OutcomeAccepted,
		Record:    rec,
		UpdatedAt: p.now().UTC(),
	}); err != nil {
		return err
	}
	metrics.ObserveRecord(profile.AgentID, "accepted")
	logger.Audit().Info("record_accepted",
		slog.String("agent_id", profile.AgentID),
		slog.String("document_id", rec.DocumentID),
		slog.String("document_type", rec.DocumentType),
		slog.String("destination", rec.Destination),
	)
	return nil
}

// lock 串行化进程内对同一文档的处理，后到者等待先行者结束后再读账本。
func (p *Pipeline) lock(ctx context.Context, agentID, documentID string) (func(), error) {
	key := agentID + "\x00" + documentID
	for {
		p.mu.Lock()
		busy, ok := p.inflight[key]
		if !ok {
			done := make(chan struct{})
			p.inflight[key] = done
			p.mu.Unlock()
			return func() {
				p.mu.Lock()
				delete(p.inflight, key)
				p.mu.Unlock()
				close(done)
			}, nil
		}
		p.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func priorOutcome(documentID string, prev record.Outcome) (*Outcome, bool) {
	switch prev.Status {
	case record.OutcomeResolved:
		if prev.Record == nil {
			return &Outcome{
				DocumentID: documentID,
				State:      StateQueuedForReview,
				Decision:   NeedsReview(review.ReasonPolicyFlag, "人工复核已驳回"),
				ReviewID:   prev.ReviewID,
				Duplicate:  true,
			}, true
		}
		fallthrough
	case record.OutcomeAccepted:
		return &Outcome{
			DocumentID: documentID,
			State:      StateAccepted,
			Decision:   Accept(),
			Record:     prev.Record,
			ReviewID:   prev.ReviewID,
			Duplicate:  true,
		}, true
	case record.OutcomeQueued:
		return &Outcome{
			DocumentID: documentID,
			State:      StateQueuedForReview,
			Decision:   NeedsReview(review.ReasonLowConfidence, "已在复核队列中"),
			ReviewID:   prev.ReviewID,
			Duplicate:  true,
		}, true
	}
	return nil, false
}

type processRun struct {
	p       *Pipeline
	profile Profile
	doc     *document.Document
	decoded *document.Decoded
	cfg     processConfig
	log     *slog.Logger

	state   State
	rec     *record.ExtractedRecord
	docType *DocumentType
	flagged bool
	cost    float64
}

func (r *processRun) advance(next State) {
	r.log.Debug("状态推进", slog.String("from", string(r.state)), slog.String("to", string(next)))
	r.state = next
}

func (r *processRun) classify(ctx context.Context) error {
	if forced := r.doc.Meta("document_type"); forced != "" {
		if t, ok := r.profile.Type(forced); ok {
			r.setType(t, 1)
			r.advance(StateClassified)
			return nil
		}
	}

	hints := map[string]string{}
	if r.decoded.Sender != "" {
		hint, found, err := r.p.ledger.SenderHint(ctx, r.profile.AgentID, r.decoded.Sender)
		if err != nil {
			r.log.Warn("读取发件人提示失败", slog.Any("error", err))
		} else if found {
			hints["sender_history"] = fmt.Sprintf("documents from %s were filed as %q %d time(s)", r.decoded.Sender, hint.DocumentType, hint.Confirmed)
		}
	}
	if r.decoded.Subject != "" {
		hints["subject"] = r.decoded.Subject
	}

	_, res, err := r.p.router.Execute(ctx, router.Request{
		TaskID:  r.cfg.taskID,
		Kind:    capability.KindClassify,
		Payload: r.decoded.Text,
		Params: capability.Params{
			Labels:      r.profile.Labels(),
			Hints:       hints,
			Instruction: r.profile.Instruction,
		},
		Budget: r.profile.Budget,
	})
	if err != nil {
		return err
	}
	r.cost += res.Cost

	t, known := r.profile.Type(res.Label)
	switch {
	case !known:
		r.flag(res.Confidence, fmt.Sprintf("未知分类标签 %q", res.Label))
	case res.Confidence < r.profile.classifyMin():
		r.flag(res.Confidence, fmt.Sprintf("分类 %s 置信度 %.2f 低于阈值 %.2f", t.Name, res.Confidence, r.profile.classifyMin()))
	default:
		r.setType(t, res.Confidence)
	}
	r.advance(StateClassified)
	return nil
}

func (r *processRun) setType(t *DocumentType, confidence float64) {
	r.docType = t
	r.rec.DocumentType = t.Name
	r.rec.ClassificationConfidence = confidence
}

func (r *processRun) flag(confidence float64, detail string) {
	r.flagged = true
	r.rec.DocumentType = record.UnknownType
	r.rec.ClassificationConfidence = confidence
	r.log.Info("分类不确定，标记复核", slog.String("detail", detail))
}

func (r *processRun) extract(ctx context.Context) error {
	defer r.advance(StateExtracted)
	if r.docType == nil || len(r.docType.Fields) == 0 {
		return nil
	}

	hints, err := r.p.ledger.FieldHints(ctx, r.profile.AgentID, r.docType.Name)
	if err != nil {
		r.log.Warn("读取字段提示失败", slog.Any("error", err))
		hints = nil
	}
	snippets := knowledge.Contents(r.p.knowledge, r.docType.Name, r.decoded.Text)

	res, err := r.callExtract(ctx, r.docType.FieldSpecs(), hints, snippets, "")
	if err != nil {
		return err
	}
	r.apply(res)

	var missing []FieldRule
	for _, f := range r.docType.Fields {
		if f.Required && !r.present(f.Name) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		specs := make([]capability.FieldSpec, 0, len(missing))
		for _, f := range missing {
			specs = append(specs, f.spec())
		}
		res, err := r.callExtract(ctx, specs, hints, snippets, "Earlier extraction missed these required fields. Look for them carefully.")
		if err != nil {
			r.log.Warn("补充抽取失败", slog.Any("error", err))
		} else {
			r.apply(res)
		}
	}

	ordered := make([]record.Field, 0, len(r.docType.Fields))
	for _, f := range r.docType.Fields {
		got, ok := r.rec.Field(f.Name)
		if !ok || strings.TrimSpace(got.Value) == "" {
			if f.Required {
				r.rec.ValidationErrors = append(r.rec.ValidationErrors, record.ValidationError{
					Kind: record.MissingField, Field: f.Name, Message: "必填字段缺失",
				})
			}
			continue
		}
		got.Column = f.Column
		ordered = append(ordered, got)
	}
	r.rec.Fields = ordered
	return nil
}

func (r *processRun) callExtract(ctx context.Context, specs []capability.FieldSpec, hints map[string]string, snippets []string, instruction string) (*capability.Result, error) {
	if instruction == "" {
		instruction = r.profile.Instruction
	}
	_, res, err := r.p.router.Execute(ctx, router.Request{
		TaskID:  r.cfg.taskID,
		Kind:    capability.KindExtract,
		Payload: r.decoded.Text,
		Params: capability.Params{
			Labels:      []string{r.docType.Name},
			Fields:      specs,
			Hints:       hints,
			Context:     snippets,
			Instruction: instruction,
		},
		Budget: r.profile.Budget,
	})
	if err != nil {
		return nil, err
	}
	r.cost += res.Cost
	return res, nil
}

func (r *processRun) apply(res *capability.Result) {
	for _, f := range r.docType.Fields {
		v, ok := res.Fields[f.Name]
		if !ok || strings.TrimSpace(v.Value) == "" {
			continue
		}
		r.rec.Set(f.Name, strings.TrimSpace(v.Value), v.Confidence)
	}
}

func (r *processRun) present(name string) bool {
	f, ok := r.rec.Field(name)
	return ok && strings.TrimSpace(f.Value) != ""
}

func (r *processRun) validate() {
	if r.docType != nil {
		r.rec.ValidationErrors = append(r.rec.ValidationErrors, Validate(*r.docType, r.rec)...)
	}
	overall := r.rec.ClassificationConfidence
	for _, f := range r.rec.Fields {
		overall = math.Min(overall, f.Confidence)
	}
	r.rec.OverallConfidence = overall
	r.advance(StateValidated)
}

// decide 按优先级计算结论：分类存疑、校验违规、整体置信度不足、策略强制复核。
func (r *processRun) decide() Decision {
	rec := r.rec
	switch {
	case r.flagged:
		return NeedsReview(review.ReasonLowConfidence, fmt.Sprintf("分类置信度 %.2f 或标签无法识别", rec.ClassificationConfidence))
	case len(rec.ValidationErrors) > 0:
		msgs := make([]string, 0, len(rec.ValidationErrors))
		for _, v := range rec.ValidationErrors {
			msgs = append(msgs, v.String())
		}
		return NeedsReview(review.ReasonValidationFailure, strings.Join(msgs, "; "))
	case rec.OverallConfidence < r.profile.acceptMin():
		return NeedsReview(review.ReasonLowConfidence, fmt.Sprintf("整体置信度 %.2f 低于阈值 %.2f", rec.OverallConfidence, r.profile.acceptMin()))
	case r.profile.AlwaysReview:
		return NeedsReview(review.ReasonPolicyFlag, "配置要求人工确认")
	}
	return Accept()
}
