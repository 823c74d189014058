package request

import (
	"strings"

	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
)

// Status 表示请求在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusAborted   Status = "aborted"
)

// Terminal 报告状态是否为终态。failed 在重试次数用尽前仍可被重新领取。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusAborted:
		return true
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusRejected, StatusAborted:
		return true
	default:
		return false
	}
}

// Attachment 是随请求直接提交的文档内容。
type Attachment struct {
	Name     string            `json:"name"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Submission 是调用方提交的请求。Inputs 是文档来源中的引用，Attachments 是内联文档。
type Submission struct {
	ID          string            `json:"id,omitempty"`
	AgentID     string            `json:"agent_id"`
	Description string            `json:"description"`
	Action      string            `json:"action,omitempty"`
	Inputs      []string          `json:"inputs,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Tasks       []engine.TaskSpec `json:"tasks,omitempty"`
}

// Validate 检查提交内容。
func (s Submission) Validate() error {
	if strings.TrimSpace(s.AgentID) == "" {
		return xerrors.New(CodeRequestValidation, "agent_id 不能为空")
	}
	if strings.TrimSpace(s.Description) == "" && len(s.Tasks) == 0 {
		return xerrors.New(CodeRequestValidation, "description 不能为空")
	}
	for _, ref := range s.Inputs {
		if strings.TrimSpace(ref) == "" {
			return xerrors.New(CodeRequestValidation, "inputs 中存在空引用")
		}
	}
	for _, a := range s.Attachments {
		if strings.TrimSpace(a.Name) == "" {
			return xerrors.New(CodeRequestValidation, "附件缺少名称")
		}
	}
	return nil
}

// Request 是排队执行的请求及其聚合结果。
type Request struct {
	ID          string                   `json:"id"`
	AgentID     string                   `json:"agent_id"`
	Description string                   `json:"description"`
	Action      string                   `json:"action,omitempty"`
	Inputs      []string                 `json:"inputs,omitempty"`
	Attachments []Attachment             `json:"attachments,omitempty"`
	Tasks       []engine.TaskSpec        `json:"tasks,omitempty"`
	Status      Status                   `json:"status"`
	Attempts    int                      `json:"attempts"`
	MaxAttempts int                      `json:"max_attempts"`
	LastError   string                   `json:"last_error,omitempty"`
	ErrorCode   string                   `json:"error_code,omitempty"`
	Result      *engine.AggregatedResult `json:"result,omitempty"`
	CreatedAt   int64                    `json:"created_at"`
	UpdatedAt   int64                    `json:"updated_at"`
}

// Outcome 描述一次执行的终态写回。
type Outcome struct {
	Status    Status
	Result    *engine.AggregatedResult
	ErrorCode xerrors.Code
	LastError string
}

var (
	// ErrRequestNotFound 表示指定的请求不存在。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "request not found")
	// ErrRequestConflict 表示请求在当前状态下无法进行所请求的操作。
	ErrRequestConflict = xerrors.New(CodeRequestConflict, "request conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRequestFinished 表示请求已经到达终态。
	ErrRequestFinished = xerrors.New(CodeRequestFinished, "request already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRequestExhausted 表示请求的重试次数已经耗尽。
	ErrRequestExhausted = xerrors.New(CodeRequestExhausted, "request retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRequestNotFound   xerrors.Code = "REQUEST_NOT_FOUND"
	CodeRequestConflict   xerrors.Code = "REQUEST_CONFLICT"
	CodeRequestFinished   xerrors.Code = "REQUEST_FINISHED"
	CodeRequestExhausted  xerrors.Code = "REQUEST_RETRIES_EXHAUSTED"
	CodeRequestValidation xerrors.Code = "REQUEST_VALIDATION_FAILED"
	CodeRequestPublish    xerrors.Code = "REQUEST_PUBLISH_FAILED"
	CodeRequestProcessing xerrors.Code = "REQUEST_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:  "request not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRequestConflict, xerrors.Attributes{
		Message:  "request conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRequestFinished, xerrors.Attributes{
		Message:  "request already finished",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRequestExhausted, xerrors.Attributes{
		Message:  "request retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeRequestValidation, xerrors.Attributes{
		Message:  "request validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRequestPublish, xerrors.Attributes{
		Message:   "failed to publish request",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRequestProcessing, xerrors.Attributes{
		Message:   "request execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

func cloneRequest(req *Request) *Request {
	clone := *req
	clone.Inputs = append([]string(nil), req.Inputs...)
	clone.Attachments = append([]Attachment(nil), req.Attachments...)
	clone.Tasks = append([]engine.TaskSpec(nil), req.Tasks...)
	if req.Result != nil {
		result := *req.Result
		result.Results = append([]engine.TaskOutcome(nil), req.Result.Results...)
		clone.Result = &result
	}
	return &clone
}

// Settled 报告请求是否不会再被执行：已到达终态，或失败且重试额度用尽。
func (r *Request) Settled() bool {
	if r.Status.Terminal() {
		return true
	}
	return r.Status == StatusFailed && r.Attempts >= r.MaxAttempts
}
