package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Cerberus-Core/internal/document"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/observability/alerting"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/internal/pipeline"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/internal/router"
)

// attempt 是派发给工作协程的一次执行输入，协程只读这些值，不访问 Task。
type attempt struct {
	task    *Task
	number  int
	input   string
	pending *record.ExtractedRecord
}

type attemptResult struct {
	task        *Task
	status      Status
	result      *TaskResult
	confidence  float64
	reviewID    string
	reason      string
	err         error
	unsubmitted *record.ExtractedRecord
}

// coordinator 是单个图的调度循环。任务状态只在 loop 所在的协程内修改。
type coordinator struct {
	engine   *Engine
	graph    *Graph
	log      *slog.Logger
	done     chan attemptResult
	inflight int
	aborted  bool
}

// loop 驱动图执行直到全部终态，返回是否因取消而中止。
func (c *coordinator) loop(ctx context.Context) bool {
	ctxDone := ctx.Done()
	detached := context.WithoutCancel(ctx)
	for {
		if !c.aborted && ctx.Err() != nil {
			c.abort()
			ctxDone = nil
		}
		c.block()
		if !c.aborted {
			c.dispatch(detached)
		}
		if c.inflight == 0 {
			if c.finished() {
				return c.aborted
			}
			if c.nextWake() < 0 {
				c.strand()
				return c.aborted
			}
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if !c.aborted {
			if wait := c.nextWake(); wait >= 0 {
				timer = time.NewTimer(wait)
				timerC = timer.C
			}
		}
		select {
		case res := <-c.done:
			c.inflight--
			c.complete(detached, res)
		case <-timerC:
		case <-ctxDone:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *coordinator) finished() bool {
	for _, t := range c.graph.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// nextWake 返回最早一个等待退避的任务距现在的时长，没有时返回 -1。
func (c *coordinator) nextWake() time.Duration {
	now := c.engine.now()
	wake := time.Duration(-1)
	for _, t := range c.graph.tasks {
		if t.Status != StatusPending || t.notBefore.IsZero() || !c.depsSucceeded(t) {
			continue
		}
		d := t.notBefore.Sub(now)
		if d < 0 {
			d = 0
		}
		if wake < 0 || d < wake {
			wake = d
		}
	}
	return wake
}

func (c *coordinator) depsSucceeded(t *Task) bool {
	for _, id := range t.Dependencies {
		if dep := c.graph.index[id]; dep.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// dispatch 按插入顺序派发依赖全部成功且退避到期的任务，不超过 max_parallel。
func (c *coordinator) dispatch(ctx context.Context) {
	now := c.engine.now()
	for _, t := range c.graph.tasks {
		if c.inflight >= c.engine.cfg.MaxParallel {
			return
		}
		if t.Status != StatusPending || !c.depsSucceeded(t) {
			continue
		}
		if !t.notBefore.IsZero() && now.Before(t.notBefore) {
			continue
		}
		t.must(StatusRunning)
		t.Attempts++
		if t.StartedAt.IsZero() {
			t.StartedAt = now.UTC()
		}
		a := attempt{task: t, number: t.Attempts, pending: t.pending}
		if t.Target == TargetRouter {
			a.input = dependencyContext(c.graph, t)
		}
		c.inflight++
		c.log.Debug("派发任务", slog.String("task_id", t.ID), slog.Int("attempt", t.Attempts))
		go c.run(ctx, a)
	}
}

func (c *coordinator) run(ctx context.Context, a attempt) {
	callCtx, cancel := context.WithTimeout(ctx, c.engine.cfg.TaskTimeout)
	defer cancel()

	res := func() (res attemptResult) {
		defer func() {
			if r := recover(); r != nil {
				res = attemptResult{err: xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("任务执行 panic: %v", r), xerrors.WithRetryable(false))}
			}
		}()
		return c.engine.execute(callCtx, c.graph, a)
	}()
	if res.err != nil && stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.err = xerrors.Wrap(xerrors.CodeTimeout, res.err,
			fmt.Sprintf("任务 %s 第 %d 次执行超时", a.task.ID, a.number))
	}
	res.task = a.task
	c.done <- res
}

// complete 在调度协程内应用一次执行的结果。
func (c *coordinator) complete(ctx context.Context, res attemptResult) {
	t := res.task
	now := c.engine.now().UTC()
	if res.err == nil {
		t.must(res.status)
		t.Result = res.result
		t.Confidence = res.confidence
		t.ReviewID = res.reviewID
		t.Reason = res.reason
		t.LastError, t.ErrorCode = "", ""
		t.pending = nil
		t.FinishedAt = now
		metrics.ObserveTask(string(t.Target), string(t.Status))
		return
	}

	code := xerrors.CodeOf(res.err)
	t.LastError = res.err.Error()
	t.ErrorCode = string(code)
	if res.unsubmitted != nil {
		t.pending = res.unsubmitted
	}
	retryable := xerrors.RetryableError(res.err)
	log := c.log.With(slog.String("task_id", t.ID), slog.Int("attempt", t.Attempts), slog.String("error_code", string(code)))

	if retryable && t.Attempts < c.engine.cfg.MaxAttempts {
		t.must(StatusPending)
		if c.aborted {
			t.must(StatusAborted)
			t.FinishedAt = now
			metrics.ObserveTask(string(t.Target), string(t.Status))
			return
		}
		wait := c.engine.cfg.Backoff(t.Attempts)
		t.notBefore = c.engine.now().Add(wait)
		metrics.ObserveRetry(string(code))
		log.Warn("任务执行失败，等待重试", slog.Duration("backoff", wait), slog.Any("error", res.err))
		return
	}

	exhausted := retryable
	if code == xerrors.CodeSinkFailure && t.pending != nil && c.engine.recovery != nil {
		reviewID, err := c.engine.recovery.Recover(ctx, c.graph, t, t.pending, res.err)
		if err == nil {
			t.must(StatusNeedsReview)
			t.ReviewID = reviewID
			t.Reason = string(review.ReasonSinkFailure)
			t.Result = &TaskResult{Record: t.pending, DocumentID: t.pending.DocumentID}
			t.Confidence = t.pending.OverallConfidence
			t.pending = nil
			t.FinishedAt = now
			metrics.ObserveTask(string(t.Target), string(t.Status))
			log.Warn("写入目标端重试耗尽，转人工复核", slog.String("review_id", reviewID))
			return
		}
		log.Error("兜底转复核失败", slog.Any("error", err))
	}

	t.must(StatusFailed)
	t.FinishedAt = now
	metrics.ObserveTask(string(t.Target), string(t.Status))
	log.Error("任务失败", slog.Bool("exhausted", exhausted), slog.Any("error", res.err))
	if exhausted || xerrors.ShouldAlert(res.err) {
		ev := alerting.NewEvent(res.err, "")
		if exhausted {
			ev.Code = xerrors.CodeRetriesExhausted
			ev.Severity = xerrors.AttributesOf(xerrors.CodeRetriesExhausted).Severity
			if ev.Metadata == nil {
				ev.Metadata = map[string]string{}
			}
			ev.Metadata["cause_code"] = string(code)
		}
		ev.AgentID = c.graph.AgentID
		ev.RequestID = c.graph.RequestID
		ev.TaskID = t.ID
		ev.Attempts = t.Attempts
		ev.MaxAttempts = c.engine.cfg.MaxAttempts
		alerting.Emit(ctx, c.engine.alerter, ev)
	}
}

// block 把依赖未成功终止的待执行任务标记为 blocked，沿依赖链传递。
func (c *coordinator) block() {
	for changed := true; changed; {
		changed = false
		for _, t := range c.graph.tasks {
			if t.Status != StatusPending {
				continue
			}
			for _, id := range t.Dependencies {
				dep := c.graph.index[id]
				if dep.Status.Terminal() && dep.Status != StatusSucceeded {
					t.must(StatusBlocked)
					t.Reason = fmt.Sprintf("依赖 %s 状态为 %s", dep.ID, dep.Status)
					t.FinishedAt = c.engine.now().UTC()
					metrics.ObserveTask(string(t.Target), string(t.Status))
					changed = true
					break
				}
			}
		}
	}
}

// abort 停止派发，把所有待执行任务标记为 aborted。
func (c *coordinator) abort() {
	c.aborted = true
	now := c.engine.now().UTC()
	for _, t := range c.graph.tasks {
		if t.Status == StatusPending {
			t.must(StatusAborted)
			t.FinishedAt = now
			metrics.ObserveTask(string(t.Target), string(t.Status))
		}
	}
	c.log.Warn("任务图被取消，停止派发", slog.Int("inflight", c.inflight))
}

// strand 兜底处理无法推进的待执行任务，合法 DAG 下不会发生。
func (c *coordinator) strand() {
	for _, t := range c.graph.tasks {
		if t.Status == StatusPending {
			t.must(StatusBlocked)
			t.Reason = "无法调度"
			t.FinishedAt = c.engine.now().UTC()
			c.log.Error("任务无法调度", slog.String("task_id", t.ID))
		}
	}
}

// execute 在工作协程中执行一次任务。
func (e *Engine) execute(ctx context.Context, g *Graph, a attempt) attemptResult {
	t := a.task
	switch t.Target {
	case TargetPipeline:
		return e.executeDocument(ctx, g, a)
	default:
		input := a.input
		if doc := t.Payload.Document; doc != nil {
			decoded, err := document.Decode(doc)
			if err != nil {
				return attemptResult{err: err}
			}
			input = strings.TrimSpace(decoded.Text + "\n\n" + input)
		}
		dec, res, err := e.router.Execute(ctx, router.Request{
			TaskID:  t.ID,
			Kind:    t.Kind,
			Payload: input,
			Params:  t.Params,
			Budget:  g.Budget,
		})
		if err != nil {
			return attemptResult{err: err}
		}
		out := &TaskResult{
			Text:       res.Text,
			Label:      res.Label,
			Backend:    dec.Backend,
			Model:      res.Model,
			Cost:       res.Cost,
			BestEffort: dec.BestEffort,
		}
		if !t.Review {
			return attemptResult{status: StatusSucceeded, result: out, confidence: res.Confidence}
		}
		if e.reviews == nil {
			return attemptResult{err: xerrors.New(xerrors.CodeInitializationFailure, "任务要求人工确认但未配置复核队列", xerrors.WithRetryable(false))}
		}
		item := &review.Item{
			AgentID:   g.AgentID,
			RequestID: g.RequestID,
			TaskID:    t.ID,
			Reason:    review.ReasonPolicyFlag,
			Detail:    fmt.Sprintf("%s 输出需要人工确认", t.Kind),
			Draft:     res.Text,
		}
		if err := e.reviews.Enqueue(ctx, item); err != nil {
			return attemptResult{err: err}
		}
		return attemptResult{
			status:     StatusNeedsReview,
			result:     out,
			confidence: res.Confidence,
			reviewID:   item.ID,
			reason:     string(review.ReasonPolicyFlag),
		}
	}
}

func (e *Engine) executeDocument(ctx context.Context, g *Graph, a attempt) attemptResult {
	if e.pipeline == nil || g.Profile == nil {
		return attemptResult{err: xerrors.New(xerrors.CodeInitializationFailure, "引擎未配置流水线", xerrors.WithRetryable(false))}
	}
	profile := *g.Profile
	if a.pending != nil {
		if err := e.pipeline.Commit(ctx, profile, a.pending, e.pipeline.Sink()); err != nil {
			return attemptResult{err: err, unsubmitted: a.pending}
		}
		return attemptResult{
			status:     StatusSucceeded,
			result:     &TaskResult{Record: a.pending, DocumentID: a.pending.DocumentID},
			confidence: a.pending.OverallConfidence,
		}
	}

	doc := a.task.Payload.Document
	out, err := e.pipeline.Process(ctx, profile, doc, pipeline.WithTask(g.RequestID, a.task.ID))
	if err != nil {
		res := attemptResult{err: err}
		if out != nil && out.Record != nil && xerrors.IsCode(err, xerrors.CodeSinkFailure) {
			res.unsubmitted = out.Record
		}
		return res
	}
	result := &TaskResult{Record: out.Record, DocumentID: out.DocumentID, Cost: out.Cost, Duplicate: out.Duplicate}
	if out.Record != nil {
		result.Label = out.Record.DocumentType
	}
	if out.State == pipeline.StateQueuedForReview {
		return attemptResult{
			status:   StatusNeedsReview,
			result:   result,
			reviewID: out.ReviewID,
			reason:   string(out.Decision.Reason),
		}
	}
	var confidence float64
	if out.Record != nil {
		confidence = out.Record.OverallConfidence
	}
	return attemptResult{status: StatusSucceeded, result: result, confidence: confidence}
}
