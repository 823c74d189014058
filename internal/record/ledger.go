package record

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Cerberus-Core/internal/memory"
)

const (
	outcomeKey   = "outcome"
	fieldHintKey = "field_hints"
	senderKey    = "document_type"
	maxHintLen   = 160
)

// OutcomeStatus 是文档在结果账本中的状态。
type OutcomeStatus string

const (
	OutcomeAccepted   OutcomeStatus = "accepted"
	OutcomeQueued     OutcomeStatus = "queued"
	OutcomeResolved   OutcomeStatus = "resolved"
	// OutcomeProcessing 是处理中的占位，超过租约后可被重新认领。
	OutcomeProcessing OutcomeStatus = "processing"
)

// Outcome 记录一个文档的最终处理结果，用于幂等判断。
type Outcome struct {
	Status    OutcomeStatus    `json:"status"`
	ReviewID  string           `json:"review_id,omitempty"`
	Record    *ExtractedRecord `json:"record,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Ledger 把结果账本与学习到的提示保存在记忆存储中。
type Ledger struct {
	store memory.Store
}

// NewLedger 创建账本。
func NewLedger(store memory.Store) *Ledger {
	return &Ledger{store: store}
}

// OutcomeScope 返回某文档的作用域。
func OutcomeScope(agentID, documentID string) memory.Scope {
	return memory.Scope{AgentID: agentID, Key: documentID}
}

// Outcome 读取文档的处理结果。已释放的认领视为不存在。
func (l *Ledger) Outcome(ctx context.Context, agentID, documentID string) (Outcome, bool, error) {
	out, found, err := memory.GetJSON[Outcome](ctx, l.store, OutcomeScope(agentID, documentID), outcomeKey)
	if err != nil || !found || out.Status == "" {
		return Outcome{}, false, err
	}
	return out, true, nil
}

// SetOutcome 覆盖写入处理结果。
func (l *Ledger) SetOutcome(ctx context.Context, agentID, documentID string, outcome Outcome) error {
	if outcome.UpdatedAt.IsZero() {
		outcome.UpdatedAt = time.Now().UTC()
	}
	return memory.PutJSON(ctx, l.store, OutcomeScope(agentID, documentID), outcomeKey, outcome)
}

// Claim 原子地认领文档。已有终态结果或未过期的占位时返回该结果且 claimed 为 false，
// 否则写入 processing 占位。
func (l *Ledger) Claim(ctx context.Context, agentID, documentID string, now time.Time, lease time.Duration) (prev Outcome, claimed bool, err error) {
	err = memory.UpdateJSON(ctx, l.store, OutcomeScope(agentID, documentID), outcomeKey,
		func(current Outcome, found bool) (Outcome, error) {
			prev, claimed = current, false
			if found && current.Status != "" {
				if current.Status != OutcomeProcessing || now.Sub(current.UpdatedAt) < lease {
					return current, memory.ErrSkipWrite
				}
			}
			claimed = true
			return Outcome{Status: OutcomeProcessing, UpdatedAt: now}, nil
		})
	if err != nil {
		return Outcome{}, false, err
	}
	return prev, claimed, nil
}

// Release 撤销 processing 占位，已写入的终态结果不受影响。
func (l *Ledger) Release(ctx context.Context, agentID, documentID string) error {
	return memory.UpdateJSON(ctx, l.store, OutcomeScope(agentID, documentID), outcomeKey,
		func(current Outcome, found bool) (Outcome, error) {
			if !found || current.Status != OutcomeProcessing {
				return current, memory.ErrSkipWrite
			}
			return Outcome{}, nil
		})
}

// FieldHints 返回某文档类型下由人工更正学习到的字段提示。
func (l *Ledger) FieldHints(ctx context.Context, agentID, documentType string) (map[string]string, error) {
	hints, _, err := memory.GetJSON[map[string]string](ctx, l.store, doctypeScope(agentID, documentType), fieldHintKey)
	return hints, err
}

// LearnCorrections 比较原始记录与更正记录，把被修改的字段作为提示写回。
func (l *Ledger) LearnCorrections(ctx context.Context, original, corrected *ExtractedRecord) error {
	if corrected == nil {
		return nil
	}
	changes := make(map[string]string)
	for _, f := range corrected.Fields {
		prev, ok := original.Field(f.Name)
		switch {
		case !ok || prev.Value == "":
			changes[f.Name] = clip(fmt.Sprintf("reviewers supplied %q when this field was missed", f.Value))
		case prev.Value != f.Value:
			changes[f.Name] = clip(fmt.Sprintf("reviewers corrected %q to %q", prev.Value, f.Value))
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return memory.UpdateJSON(ctx, l.store, doctypeScope(corrected.AgentID, corrected.DocumentType), fieldHintKey,
		func(current map[string]string, _ bool) (map[string]string, error) {
			if current == nil {
				current = make(map[string]string, len(changes))
			}
			for k, v := range changes {
				current[k] = v
			}
			return current, nil
		})
}

// SenderHint 是某发件人最近一次确认的文档类型。
type SenderHint struct {
	DocumentType string `json:"document_type"`
	Confirmed    int    `json:"confirmed"`
}

// SenderHint 读取发件人分类提示。
func (l *Ledger) SenderHint(ctx context.Context, agentID, sender string) (SenderHint, bool, error) {
	sender = normalizeSender(sender)
	if sender == "" {
		return SenderHint{}, false, nil
	}
	return memory.GetJSON[SenderHint](ctx, l.store, senderScope(agentID, sender), senderKey)
}

// ConfirmSender 记录发件人与文档类型的对应关系，类型变化时计数重置。
func (l *Ledger) ConfirmSender(ctx context.Context, agentID, sender, documentType string) error {
	sender = normalizeSender(sender)
	if sender == "" || documentType == "" || documentType == UnknownType {
		return nil
	}
	return memory.UpdateJSON(ctx, l.store, senderScope(agentID, sender), senderKey,
		func(current SenderHint, _ bool) (SenderHint, error) {
			if current.DocumentType != documentType {
				return SenderHint{DocumentType: documentType, Confirmed: 1}, nil
			}
			current.Confirmed++
			return current, nil
		})
}

func doctypeScope(agentID, documentType string) memory.Scope {
	return memory.Scope{AgentID: agentID, Key: "doctype:" + documentType}
}

func senderScope(agentID, sender string) memory.Scope {
	return memory.Scope{AgentID: agentID, Key: "sender:" + sender}
}

func normalizeSender(sender string) string {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if i := strings.LastIndexByte(sender, '<'); i >= 0 {
		sender = strings.TrimSuffix(sender[i+1:], ">")
	}
	return strings.TrimSpace(sender)
}

func clip(s string) string {
	if r := []rune(s); len(r) > maxHintLen {
		return string(r[:maxHintLen])
	}
	return s
}
