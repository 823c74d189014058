package engine

import (
	"fmt"
	"time"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/document"
	"Cerberus-Core/internal/record"
)

// Status 是任务在图中的状态。
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusBlocked     Status = "blocked"
	StatusAborted     Status = "aborted"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusNeedsReview, StatusBlocked, StatusAborted:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusBlocked, StatusAborted},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusNeedsReview, StatusPending},
}

// CanTransition 报告 from -> to 是否为合法迁移。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Target 是任务的派发目标。
type Target string

const (
	// TargetPipeline 处理文档形态的任务。
	TargetPipeline Target = "pipeline"
	// TargetRouter 处理单次调用的任务。
	TargetRouter Target = "router"
)

// Payload 是任务的输入。Document 只在进程内传递，不参与序列化。
type Payload struct {
	Text     string             `json:"text,omitempty" yaml:"text"`
	Ref      string             `json:"ref,omitempty" yaml:"ref"`
	Document *document.Document `json:"-" yaml:"-"`
}

// TaskSpec 描述待提交的任务。
type TaskSpec struct {
	ID           string            `json:"id" yaml:"id"`
	Kind         capability.Kind   `json:"kind" yaml:"kind"`
	Target       Target            `json:"target,omitempty" yaml:"target"`
	Payload      Payload           `json:"payload" yaml:"payload"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies"`
	Params       capability.Params `json:"params,omitempty" yaml:"params"`
	// Review 为 true 时，路由结果作为草稿进入人工复核而不是直接成功。
	Review bool `json:"review,omitempty" yaml:"review"`
}

// TaskResult 是任务成功或转复核时的产出。
type TaskResult struct {
	Text       string                  `json:"text,omitempty"`
	Label      string                  `json:"label,omitempty"`
	Record     *record.ExtractedRecord `json:"record,omitempty"`
	DocumentID string                  `json:"document_id,omitempty"`
	Backend    string                  `json:"backend,omitempty"`
	Model      string                  `json:"model,omitempty"`
	Cost       float64                 `json:"cost"`
	BestEffort bool                    `json:"best_effort,omitempty"`
	Duplicate  bool                    `json:"duplicate,omitempty"`
}

// Task 是图中的最小调度单元，生命周期内只由引擎修改。
type Task struct {
	ID           string
	Kind         capability.Kind
	Target       Target
	Payload      Payload
	Dependencies []string
	Params       capability.Params
	Review       bool

	Status     Status
	Attempts   int
	Result     *TaskResult
	Confidence float64
	LastError  string
	ErrorCode  string
	ReviewID   string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time

	notBefore time.Time
	pending   *record.ExtractedRecord
}

func newTask(spec TaskSpec) *Task {
	target := spec.Target
	if target == "" {
		target = defaultTarget(spec)
	}
	return &Task{
		ID:           spec.ID,
		Kind:         spec.Kind,
		Target:       target,
		Payload:      spec.Payload,
		Dependencies: append([]string(nil), spec.Dependencies...),
		Params:       spec.Params,
		Review:       spec.Review,
		Status:       StatusPending,
	}
}

// defaultTarget 按任务形态选择目标：带文档的抽取与分类走流水线，其余直接走路由。
func defaultTarget(spec TaskSpec) Target {
	if spec.Payload.Document != nil && (spec.Kind == capability.KindExtract || spec.Kind == capability.KindClassify) {
		return TargetPipeline
	}
	return TargetRouter
}

// transition 执行状态迁移，非法迁移返回错误。
func (t *Task) transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("任务 %s 非法状态迁移 %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// must 用于调度器内部，非法迁移属于编程错误。
func (t *Task) must(to Status) {
	if err := t.transition(to); err != nil {
		panic(err)
	}
}

// TaskOutcome 是聚合结果中单个任务的快照。
type TaskOutcome struct {
	TaskID     string          `json:"task_id"`
	Kind       capability.Kind `json:"kind"`
	Target     Target          `json:"target"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Result     *TaskResult     `json:"result,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	ReviewID   string          `json:"review_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

func (t *Task) outcome() TaskOutcome {
	return TaskOutcome{
		TaskID:     t.ID,
		Kind:       t.Kind,
		Target:     t.Target,
		Status:     t.Status,
		Attempts:   t.Attempts,
		Result:     t.Result,
		Confidence: t.Confidence,
		Error:      t.LastError,
		ErrorCode:  t.ErrorCode,
		ReviewID:   t.ReviewID,
		Reason:     t.Reason,
	}
}
