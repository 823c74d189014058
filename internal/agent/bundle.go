package agent

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/pipeline"
	"Cerberus-Core/internal/router"
)

// Type 是智能体的类别。
type Type string

const (
	TypeEmailManager Type = "email_manager"
	TypeDataEntry    Type = "data_entry"
	TypeDocProcessor Type = "doc_processor"
	TypeCustom       Type = "custom"
)

// Valid 报告类别是否可识别。
func (t Type) Valid() bool {
	switch t {
	case TypeEmailManager, TypeDataEntry, TypeDocProcessor, TypeCustom:
		return true
	}
	return false
}

// Thresholds 覆盖流水线的置信度阈值。Review 为 "always" 时所有记录都进入人工复核。
type Thresholds struct {
	ClassifyMinConfidence float64 `yaml:"classify_min_confidence" json:"classify_min_confidence,omitempty"`
	AcceptMinConfidence   float64 `yaml:"accept_min_confidence" json:"accept_min_confidence,omitempty"`
	Review                string  `yaml:"review" json:"review,omitempty"`
}

// Step 是动作结束后依赖全部叶子任务的汇总步骤。
type Step struct {
	ID     string          `yaml:"id" json:"id,omitempty"`
	Kind   capability.Kind `yaml:"kind" json:"kind"`
	Prompt string          `yaml:"prompt" json:"prompt,omitempty"`
	Review bool            `yaml:"review" json:"review,omitempty"`
}

// Action 是请求可以触发的一种工作方式：对每个输入执行一个任务，可选一个汇总步骤。
type Action struct {
	Name     string          `yaml:"name" json:"name"`
	Keywords []string        `yaml:"keywords" json:"keywords,omitempty"`
	Kind     capability.Kind `yaml:"kind" json:"kind"`
	Target   engine.Target   `yaml:"target" json:"target,omitempty"`
	Prompt   string          `yaml:"prompt" json:"prompt,omitempty"`
	Labels   []string        `yaml:"labels" json:"labels,omitempty"`
	Review   bool            `yaml:"review" json:"review,omitempty"`
	Finally  *Step           `yaml:"finally" json:"finally,omitempty"`
}

// Bundle 是一个智能体的声明式配置。
type Bundle struct {
	Name          string                  `yaml:"name" json:"name"`
	Type          Type                    `yaml:"type" json:"type"`
	Enabled       *bool                   `yaml:"enabled" json:"enabled,omitempty"`
	Description   string                  `yaml:"description" json:"description,omitempty"`
	Instruction   string                  `yaml:"instruction" json:"instruction,omitempty"`
	Categories    []string                `yaml:"categories" json:"categories,omitempty"`
	DocumentTypes []pipeline.DocumentType `yaml:"document_types" json:"document_types,omitempty"`
	Filing        map[string]string       `yaml:"filing" json:"filing,omitempty"`
	Thresholds    Thresholds              `yaml:"thresholds" json:"thresholds"`
	Budget        router.Budget           `yaml:"budget" json:"budget"`
	Actions       []Action                `yaml:"actions" json:"actions,omitempty"`
	// Default 是描述未命中任何关键词时使用的动作，为空时取第一个动作。
	Default string `yaml:"default" json:"default,omitempty"`
}

// Parse 解析 YAML 格式的智能体配置并校验。
func Parse(data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析智能体配置失败")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// IsEnabled 报告智能体是否启用，未配置时默认启用。
func (b *Bundle) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Validate 检查配置的完整性。
func (b *Bundle) Validate() error {
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if strings.ContainsAny(b.Name, "/ \t") {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体名称不能包含斜杠或空白: %q", b.Name))
	}
	if b.Type == "" {
		b.Type = TypeCustom
	}
	if !b.Type.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的类别未知: %s", b.Name, b.Type))
	}
	switch strings.ToLower(b.Thresholds.Review) {
	case "", "auto", "always":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的 review 取值未知: %s", b.Name, b.Thresholds.Review))
	}
	for docType := range b.Filing {
		if _, ok := b.documentType(docType); !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的归档规则引用了未定义类型 %s", b.Name, docType))
		}
	}
	if profile := b.Profile(); profile != nil {
		if err := profile.Validate(); err != nil {
			return err
		}
	}

	names := make(map[string]struct{}, len(b.Actions))
	for i := range b.Actions {
		a := &b.Actions[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的第 %d 个动作缺少名称", b.Name, i+1))
		}
		if _, dup := names[a.Name]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的动作重复: %s", b.Name, a.Name))
		}
		names[a.Name] = struct{}{}
		if !a.Kind.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("动作 %s/%s 的类型未知: %s", b.Name, a.Name, a.Kind))
		}
		switch a.Target {
		case "", engine.TargetRouter:
		case engine.TargetPipeline:
			if len(b.DocumentTypes) == 0 {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("动作 %s/%s 需要流水线但智能体未定义文档类型", b.Name, a.Name))
			}
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("动作 %s/%s 的目标未知: %s", b.Name, a.Name, a.Target))
		}
		if a.Finally != nil && !a.Finally.Kind.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("动作 %s/%s 的汇总步骤类型未知: %s", b.Name, a.Name, a.Finally.Kind))
		}
	}
	if b.Default != "" {
		if _, ok := names[b.Default]; !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的默认动作不存在: %s", b.Name, b.Default))
		}
	}
	return nil
}

func (b *Bundle) documentType(name string) (pipeline.DocumentType, bool) {
	for _, t := range b.DocumentTypes {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return pipeline.DocumentType{}, false
}

// Profile 把配置转换为流水线配置，未定义文档类型时返回 nil。
// 归档规则填充尚未设置归档目标的文档类型。
func (b *Bundle) Profile() *pipeline.Profile {
	if len(b.DocumentTypes) == 0 {
		return nil
	}
	types := make([]pipeline.DocumentType, 0, len(b.DocumentTypes))
	for _, t := range b.DocumentTypes {
		if t.Destination == "" {
			for name, dest := range b.Filing {
				if strings.EqualFold(name, t.Name) {
					t.Destination = dest
				}
			}
		}
		types = append(types, t)
	}
	return &pipeline.Profile{
		AgentID:               b.Name,
		Types:                 types,
		ClassifyMinConfidence: b.Thresholds.ClassifyMinConfidence,
		AcceptMinConfidence:   b.Thresholds.AcceptMinConfidence,
		AlwaysReview:          strings.EqualFold(b.Thresholds.Review, "always"),
		Budget:                b.Budget,
		Instruction:           b.Instruction,
	}
}

// Action 按名称查找动作。
func (b *Bundle) Action(name string) (*Action, bool) {
	for i := range b.Actions {
		if strings.EqualFold(b.Actions[i].Name, name) {
			return &b.Actions[i], true
		}
	}
	return nil, false
}

// Match 为请求选择动作：显式动作名优先，其次按描述命中的关键词数量，最后是默认动作。
func (b *Bundle) Match(action, description string) (*Action, bool) {
	if action = strings.TrimSpace(action); action != "" {
		return b.Action(action)
	}
	text := strings.ToLower(description)
	var best *Action
	bestHits := 0
	for i := range b.Actions {
		hits := 0
		for _, kw := range b.Actions[i].Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = &b.Actions[i], hits
		}
	}
	if best != nil {
		return best, true
	}
	if b.Default != "" {
		return b.Action(b.Default)
	}
	if len(b.Actions) > 0 {
		return &b.Actions[0], true
	}
	return nil, false
}
