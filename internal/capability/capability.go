package capability

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "Cerberus-Core/internal/errors"
)

// Kind 表示子任务需要的能力类型。
type Kind string

const (
	KindExtract   Kind = "extract"
	KindClassify  Kind = "classify"
	KindSummarize Kind = "summarize"
	KindDraft     Kind = "draft"
	KindValidate  Kind = "validate"
	KindCustom    Kind = "custom"
)

// Kinds 返回全部可识别的能力类型。
func Kinds() []Kind {
	return []Kind{KindExtract, KindClassify, KindSummarize, KindDraft, KindValidate, KindCustom}
}

// Valid 判断能力类型是否可识别。
func (k Kind) Valid() bool {
	switch k {
	case KindExtract, KindClassify, KindSummarize, KindDraft, KindValidate, KindCustom:
		return true
	default:
		return false
	}
}

// ParseKind 解析大小写不敏感的能力类型。
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的任务类型: "+raw)
	}
	return k, nil
}

// FieldSpec 描述一次抽取需要的字段。
type FieldSpec struct {
	Name        string `json:"name"`
	Format      string `json:"format,omitempty"`
	Description string `json:"description,omitempty"`
}

// FieldValue 是后端返回的单个字段值及其置信度，值保持原始文本，由调用方按格式解析。
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Params 是一次调用的参数，由路由决策填充模型部分，由调用方填充任务部分。
type Params struct {
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Fields      []FieldSpec       `json:"fields,omitempty"`
	Hints       map[string]string `json:"hints,omitempty"`
	Context     []string          `json:"context,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
}

// Request 是发给能力后端的一个工作单元。
type Request struct {
	Kind    Kind
	Payload string
	Params  Params
}

// Result 是后端的输出与置信度信号。
type Result struct {
	Text       string                `json:"text,omitempty"`
	Label      string                `json:"label,omitempty"`
	Fields     map[string]FieldValue `json:"fields,omitempty"`
	Confidence float64               `json:"confidence"`
	Cost       float64               `json:"cost"`
	Model      string                `json:"model,omitempty"`
}

// Backend 执行单个类提示词的工作单元。
// 无法连接时返回 BACKEND_UNAVAILABLE，后端报错时返回 BACKEND_ERROR。
type Backend interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// BackendFunc 把普通函数适配为 Backend。
type BackendFunc struct {
	ID string
	Fn func(ctx context.Context, req Request) (*Result, error)
}

// Name 实现 Backend。
func (f BackendFunc) Name() string { return f.ID }

// Invoke 实现 Backend。
func (f BackendFunc) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// Registry 按名称保存已配置的后端。
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry 创建注册表。
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register 注册或替换一个后端。
func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get 返回指定名称的后端。
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names 返回排序后的后端名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unavailable 构造 BACKEND_UNAVAILABLE 错误。
func Unavailable(backend string, cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeBackendUnavailable, cause, message, xerrors.WithMetadata("backend", backend))
}

// Failed 构造 BACKEND_ERROR 错误。
func Failed(backend string, cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeBackendError, cause, message, xerrors.WithMetadata("backend", backend))
}
