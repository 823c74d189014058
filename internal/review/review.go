package review

import (
	"time"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/record"
)

// Reason 说明记录为何需要人工复核。
type Reason string

const (
	ReasonLowConfidence     Reason = "low_confidence"
	ReasonValidationFailure Reason = "validation_failure"
	ReasonPolicyFlag        Reason = "policy_flag"
	ReasonSinkFailure       Reason = "sink_failure"
)

// Resolution 是复核结论。
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionAccepted  Resolution = "accepted"
	ResolutionCorrected Resolution = "corrected"
	ResolutionRejected  Resolution = "rejected"
)

// ParseResolution 解析复核结论，pending 不是合法的提交值。
func ParseResolution(raw string) (Resolution, error) {
	switch r := Resolution(raw); r {
	case ResolutionAccepted, ResolutionCorrected, ResolutionRejected:
		return r, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的复核结论: "+raw)
	}
}

// Item 是复核队列中的一项。入队后由复核服务独占。
type Item struct {
	ID         string                  `json:"id"`
	AgentID    string                  `json:"agent_id"`
	RequestID  string                  `json:"request_id,omitempty"`
	TaskID     string                  `json:"task_id,omitempty"`
	DocumentID string                  `json:"document_id,omitempty"`
	Reason     Reason                  `json:"reason"`
	Detail     string                  `json:"detail,omitempty"`
	Record     *record.ExtractedRecord `json:"record,omitempty"`
	Draft      string                  `json:"draft,omitempty"`
	Resolution Resolution              `json:"resolution"`
	Corrected  *record.ExtractedRecord `json:"corrected,omitempty"`
	Note       string                  `json:"note,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	ResolvedAt *time.Time              `json:"resolved_at,omitempty"`
	Archived   bool                    `json:"archived"`
}

// Pending 报告是否仍待复核。
func (i *Item) Pending() bool {
	return i != nil && i.Resolution == ResolutionPending
}

// Clone 返回深拷贝。
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Record = i.Record.Clone()
	clone.Corrected = i.Corrected.Clone()
	if i.ResolvedAt != nil {
		ts := *i.ResolvedAt
		clone.ResolvedAt = &ts
	}
	return &clone
}

var (
	// ErrItemNotFound 表示复核项不存在。
	ErrItemNotFound = xerrors.New(xerrors.CodeNotFound, "review item not found")
	// ErrAlreadyResolved 表示复核项已经处理过。
	ErrAlreadyResolved = xerrors.New(xerrors.CodeConflict, "review item already resolved")
	// ErrItemConflict 表示复核项 ID 已存在。
	ErrItemConflict = xerrors.New(xerrors.CodeConflict, "review item already exists")
)
