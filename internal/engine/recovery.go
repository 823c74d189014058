package engine

import (
	"context"
	"log/slog"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/pkg/logger"
)

// RecoveryHandler 定义任务重试耗尽后的兜底策略。
type RecoveryHandler interface {
	// Recover 接管未能写入目标端的记录，返回复核条目 ID。返回错误时任务按失败处理。
	Recover(ctx context.Context, g *Graph, t *Task, rec *record.ExtractedRecord, cause error) (string, error)
}

// ReviewRecovery 把写入失败的记录转为 sink_failure 复核条目，并在账本中记为排队。
type ReviewRecovery struct {
	reviews ReviewQueue
	ledger  *record.Ledger
}

// NewReviewRecovery 创建兜底策略，ledger 可为空。
func NewReviewRecovery(reviews ReviewQueue, ledger *record.Ledger) *ReviewRecovery {
	return &ReviewRecovery{reviews: reviews, ledger: ledger}
}

// Recover 实现 RecoveryHandler。
func (r *ReviewRecovery) Recover(ctx context.Context, g *Graph, t *Task, rec *record.ExtractedRecord, cause error) (string, error) {
	if r == nil || r.reviews == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置复核队列")
	}
	item := &review.Item{
		AgentID:   g.AgentID,
		RequestID: g.RequestID,
		TaskID:    t.ID,
		Reason:    review.ReasonSinkFailure,
		Detail:    cause.Error(),
		Record:    rec,
	}
	if err := r.reviews.Enqueue(ctx, item); err != nil {
		return "", err
	}
	if r.ledger != nil {
		if err := r.ledger.SetOutcome(ctx, g.AgentID, rec.DocumentID, record.Outcome{
			Status:   record.OutcomeQueued,
			ReviewID: item.ID,
		}); err != nil {
			logger.L().Warn("记录复核状态失败", slog.String("document_id", rec.DocumentID), slog.Any("error", err))
		}
	}
	return item.ID, nil
}
