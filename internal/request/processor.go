package request

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"

	"Cerberus-Core/internal/document"
	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/observability/alerting"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/pkg/logger"
)

// Executor 定义了处理器所需的引擎能力。
type Executor interface {
	Submit(ctx context.Context, req engine.Request) (*engine.Graph, error)
	Run(ctx context.Context, g *engine.Graph) (*engine.AggregatedResult, error)
}

// Loader 按引用读取文档来源中的文档。
type Loader interface {
	Load(ctx context.Context, ref string) (*document.Document, error)
}

// Processor 从队列消费请求并交给引擎执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	loader      Loader
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithLoader 配置按引用读取输入文档的来源。
func WithLoader(l Loader) ProcessorOption {
	return func(p *Processor) {
		p.loader = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("request"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动请求处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置请求消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 执行一个请求。返回错误时队列会重新投递该请求。
func (p *Processor) Handle(ctx context.Context, id string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	req, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrRequestNotFound) || stdErrors.Is(err, ErrRequestFinished) ||
			stdErrors.Is(err, ErrRequestExhausted) || stdErrors.Is(err, ErrRequestConflict) {
			p.logger.Debug("跳过请求", slog.String("request_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取请求失败", slog.Any("error", err), slog.String("request_id", id))
		p.emitAlert(ctx, &Request{ID: id}, err, "claim")
		return err
	}

	docs, err := p.inputs(ctx, req)
	if err != nil {
		return p.handleFailure(ctx, req, err)
	}
	g, err := p.executor.Submit(ctx, engine.Request{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Description: req.Description,
		Action:      req.Action,
		Inputs:      docs,
		Tasks:       req.Tasks,
	})
	if err != nil {
		return p.handleFailure(ctx, req, err)
	}

	result, runErr := p.executor.Run(ctx, g)
	// 取消后仍需写回部分结果。
	writeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if xerrors.IsCode(runErr, xerrors.CodeGraphAborted) {
			return p.finish(writeCtx, req, Outcome{
				Status:    StatusAborted,
				Result:    result,
				ErrorCode: xerrors.CodeGraphAborted,
				LastError: runErr.Error(),
			})
		}
		return p.handleFailure(writeCtx, req, runErr)
	}
	return p.finish(writeCtx, req, Outcome{Status: StatusCompleted, Result: result})
}

func (p *Processor) inputs(ctx context.Context, req *Request) ([]*document.Document, error) {
	docs := make([]*document.Document, 0, len(req.Inputs)+len(req.Attachments))
	if len(req.Inputs) > 0 && p.loader == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置文档来源，无法读取输入引用")
	}
	for _, ref := range req.Inputs {
		doc, err := p.loader.Load(ctx, ref)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取输入文档失败: "+ref)
		}
		docs = append(docs, doc)
	}
	for _, a := range req.Attachments {
		docs = append(docs, document.New(a.Name, []byte(a.Content), a.Metadata))
	}
	return docs, nil
}

func (p *Processor) finish(ctx context.Context, req *Request, outcome Outcome) error {
	if err := p.store.Finish(ctx, req.ID, outcome); err != nil {
		p.logger.Error("写回请求结果失败", slog.Any("error", err), slog.String("request_id", req.ID))
		if storeErr := p.store.MarkFailed(ctx, req.ID, CodeRequestProcessing, err.Error(), false); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("request_id", req.ID))
			return storeErr
		}
		return p.requeue(ctx, req)
	}
	metrics.ObserveRequest(string(outcome.Status))

	attrs := []any{
		slog.String("request_id", req.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("status", string(outcome.Status)),
		slog.Int("attempts", req.Attempts),
	}
	if r := outcome.Result; r != nil {
		attrs = append(attrs,
			slog.Int("succeeded", r.Succeeded),
			slog.Int("failed", r.Failed),
			slog.Int("needs_review", r.NeedsReview),
			slog.Float64("cost", r.Cost),
		)
	}
	if outcome.Status == StatusAborted {
		logger.Audit().Warn("请求被中止", attrs...)
		return nil
	}
	logger.Audit().Info("请求执行完成", attrs...)
	return nil
}

// handleFailure 区分三类失败：请求本身非法时直接拒绝；可重试错误在额度内重新排队；
// 其余错误以 failed 结束并关闭重试额度。
func (p *Processor) handleFailure(ctx context.Context, req *Request, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeRequestProcessing
	}
	if rejects(code) {
		p.logger.Warn("请求被拒绝", slog.String("request_id", req.ID), slog.Any("error", cause))
		return p.finish(ctx, req, Outcome{Status: StatusRejected, ErrorCode: code, LastError: cause.Error()})
	}

	retryable := xerrors.RetryableError(cause) || code == CodeRequestProcessing
	exhausted := req.Attempts >= req.MaxAttempts
	terminal := !retryable || exhausted
	if err := p.store.MarkFailed(ctx, req.ID, code, cause.Error(), terminal); err != nil {
		p.logger.Error("标记请求失败状态出错", slog.Any("error", err), slog.String("request_id", req.ID))
		return err
	}
	metrics.ObserveRequest(string(StatusFailed))
	logger.Audit().Warn("请求执行失败",
		slog.String("request_id", req.ID),
		slog.String("agent_id", req.AgentID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", req.Attempts),
		slog.Int("max_attempts", req.MaxAttempts),
	)

	switch {
	case exhausted && retryable:
		p.emitAlert(ctx, req, xerrors.Wrap(xerrors.CodeRetriesExhausted, cause,
			fmt.Sprintf("请求 %s 重试 %d 次后仍失败", req.ID, req.Attempts)), "exhausted")
		return nil
	case terminal:
		p.emitAlert(ctx, req, cause, "terminal")
		return nil
	}
	return p.requeue(ctx, req)
}

func (p *Processor) requeue(ctx context.Context, req *Request) error {
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, req.ID); err != nil {
		return xerrors.Wrap(CodeRequestPublish, err, fmt.Sprintf("请求 %s 重投失败", req.ID))
	}
	p.logger.Debug("请求已重新排队", slog.String("request_id", req.ID), slog.Int("attempts", req.Attempts))
	return nil
}

func rejects(code xerrors.Code) bool {
	switch code {
	case xerrors.CodeInvalidGraph, xerrors.CodeInvalidArgument, xerrors.CodeNotFound,
		xerrors.CodeUnsupportedDocument, CodeRequestValidation:
		return true
	}
	return false
}

func (p *Processor) emitAlert(ctx context.Context, req *Request, cause error, stage string) {
	if p.alerter == nil || !xerrors.ShouldAlert(cause) && stage != "exhausted" {
		return
	}
	ev := alerting.NewEvent(cause, "")
	ev.AgentID = req.AgentID
	ev.RequestID = req.ID
	ev.Attempts = req.Attempts
	ev.MaxAttempts = req.MaxAttempts
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]string, 2)
	}
	ev.Metadata["stage"] = stage
	ev.Metadata["attempts"] = strconv.Itoa(req.Attempts)
	alerting.Emit(context.WithoutCancel(ctx), p.alerter, ev)
}
