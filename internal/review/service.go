package review

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/observability/alerting"
	"Cerberus-Core/internal/observability/metrics"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/sink"
	"Cerberus-Core/pkg/logger"
)

// ServiceOption 配置 Service。
type ServiceOption func(*Service)

// WithSink 设置复核通过后写入的目标。
func WithSink(s sink.Sink) ServiceOption {
	return func(svc *Service) { svc.sink = s }
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) ServiceOption {
	return func(svc *Service) { svc.alerts = d }
}

// Service 管理复核队列的入队与处理。
type Service struct {
	store  Store
	ledger *record.Ledger
	sink   sink.Sink
	alerts alerting.Dispatcher
	now    func() time.Time
}

// NewService 创建复核服务。ledger 用于写回结果账本与学习提示。
func NewService(store Store, ledger *record.Ledger, opts ...ServiceOption) *Service {
	svc := &Service{store: store, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Enqueue 把复核项放入队列，调用方此后不再持有该记录。
func (s *Service) Enqueue(ctx context.Context, item *Item) error {
	if item == nil || strings.TrimSpace(item.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "复核项缺少 agent id")
	}
	switch item.Reason {
	case ReasonLowConfidence, ReasonValidationFailure, ReasonPolicyFlag, ReasonSinkFailure:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的复核原因: "+string(item.Reason))
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.DocumentID == "" && item.Record != nil {
		item.DocumentID = item.Record.DocumentID
	}
	item.Resolution = ResolutionPending
	item.CreatedAt = s.now().UTC()
	item.ResolvedAt = nil
	item.Archived = false

	if err := s.store.Create(ctx, item); err != nil {
		return err
	}
	metrics.ObserveReviewEnqueued(item.AgentID, string(item.Reason))
	logger.Named("review").Info("复核项入队",
		slog.String("review_id", item.ID),
		slog.String("agent_id", item.AgentID),
		slog.String("document_id", item.DocumentID),
		slog.String("reason", string(item.Reason)))

	if item.Reason == ReasonSinkFailure {
		ev := alerting.NewEvent(xerrors.New(xerrors.CodeSinkFailure, item.Detail), "写入目标失败，记录已转人工复核")
		ev.AgentID, ev.RequestID, ev.TaskID, ev.ReviewID = item.AgentID, item.RequestID, item.TaskID, item.ID
		alerting.Emit(ctx, s.alerts, ev)
	}
	return nil
}

// Get 返回复核项。
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// List 列出复核项。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Item, error) {
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Resolve 处理一个待复核项。只有 pending 状态可以处理；corrected 必须附带更正后的记录。
// 通过的记录写入目标端，结果账本标记为 resolved，更正内容作为提示写回记忆，最后归档。
func (s *Service) Resolve(ctx context.Context, id string, resolution Resolution, corrected *record.ExtractedRecord, note string) (*Item, error) {
	if _, err := ParseResolution(string(resolution)); err != nil {
		return nil, err
	}
	if resolution == ResolutionCorrected && corrected == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "corrected 结论必须提供更正后的记录")
	}

	resolvedAt := s.now().UTC()
	item, err := s.store.Update(ctx, id, func(item *Item) error {
		if !item.Pending() {
			return ErrAlreadyResolved
		}
		item.Resolution = resolution
		item.Note = note
		item.ResolvedAt = &resolvedAt
		if corrected != nil {
			c := corrected.Clone()
			fillIdentity(c, item)
			c.ValidationErrors = nil
			item.Corrected = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	final := finalRecord(item)
	if final != nil && s.sink != nil {
		if err := s.sink.Write(ctx, final); err != nil {
			s.reopen(ctx, id)
			return nil, err
		}
	}

	if err := s.writeBack(ctx, item, final); err != nil {
		logger.L().Warn("写回复核结果失败", slog.String("review_id", id), slog.Any("error", err))
	}

	item, err = s.store.Update(ctx, id, func(item *Item) error {
		item.Archived = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveReviewResolved(item.AgentID, string(resolution))
	logger.Audit().Info("review_resolved",
		slog.String("review_id", item.ID),
		slog.String("agent_id", item.AgentID),
		slog.String("document_id", item.DocumentID),
		slog.String("reason", string(item.Reason)),
		slog.String("resolution", string(resolution)),
		slog.String("note", note))
	return item, nil
}

func (s *Service) writeBack(ctx context.Context, item *Item, final *record.ExtractedRecord) error {
	if s.ledger == nil || item.DocumentID == "" {
		return nil
	}
	if err := s.ledger.SetOutcome(ctx, item.AgentID, item.DocumentID, record.Outcome{
		Status:   record.OutcomeResolved,
		ReviewID: item.ID,
		Record:   final,
	}); err != nil {
		return err
	}
	switch item.Resolution {
	case ResolutionCorrected:
		if err := s.ledger.LearnCorrections(ctx, item.Record, item.Corrected); err != nil {
			return err
		}
		return s.ledger.ConfirmSender(ctx, item.AgentID, item.Corrected.Sender, item.Corrected.DocumentType)
	case ResolutionAccepted:
		if item.Record != nil {
			return s.ledger.ConfirmSender(ctx, item.AgentID, item.Record.Sender, item.Record.DocumentType)
		}
	}
	return nil
}

// reopen 在写入目标失败后把复核项恢复为待处理。
func (s *Service) reopen(ctx context.Context, id string) {
	_, err := s.store.Update(context.WithoutCancel(ctx), id, func(item *Item) error {
		item.Resolution = ResolutionPending
		item.ResolvedAt = nil
		item.Corrected = nil
		return nil
	})
	if err != nil {
		logger.L().Error("恢复复核项失败", slog.String("review_id", id), slog.Any("error", err))
	}
}

func finalRecord(item *Item) *record.ExtractedRecord {
	switch item.Resolution {
	case ResolutionCorrected:
		return item.Corrected.Clone()
	case ResolutionAccepted:
		if item.Record == nil {
			return nil
		}
		rec := item.Record.Clone()
		rec.ValidationErrors = nil
		return rec
	default:
		return nil
	}
}

func fillIdentity(rec *record.ExtractedRecord, item *Item) {
	if rec.DocumentID == "" {
		rec.DocumentID = item.DocumentID
	}
	if rec.AgentID == "" {
		rec.AgentID = item.AgentID
	}
	rec.OverallConfidence = 1
	if item.Record == nil {
		return
	}
	if rec.DocumentType == "" {
		rec.DocumentType = item.Record.DocumentType
	}
	if rec.Sender == "" {
		rec.Sender = item.Record.Sender
	}
	if rec.Destination == "" && rec.DocumentType == item.Record.DocumentType {
		rec.Destination = item.Record.Destination
	}
	if rec.DocumentName == "" {
		rec.DocumentName = item.Record.DocumentName
	}
	if rec.ExtractedAt.IsZero() {
		rec.ExtractedAt = item.Record.ExtractedAt
	}
	for i := range rec.Fields {
		if orig, ok := item.Record.Field(rec.Fields[i].Name); ok && rec.Fields[i].Column == "" {
			rec.Fields[i].Column = orig.Column
		}
		if rec.Fields[i].Confidence == 0 {
			rec.Fields[i].Confidence = 1
		}
	}
}
