package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"Cerberus-Core/internal/capability"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/router"
)

// 阈值默认值，可由智能体配置覆盖。
const (
	DefaultClassifyMinConfidence = 0.7
	DefaultAcceptMinConfidence   = 0.8
	DefaultSumTolerance          = 0.01
)

// FieldType 是字段的期望格式。
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeMoney  FieldType = "money"
	TypeDate   FieldType = "date"
	TypeEmail  FieldType = "email"
	TypePhone  FieldType = "phone"
)

// FieldRule 是 schema 中的一个字段及其校验规则。
type FieldRule struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Pattern     string    `yaml:"pattern" json:"pattern,omitempty"`
	Min         *float64  `yaml:"min" json:"min,omitempty"`
	Max         *float64  `yaml:"max" json:"max,omitempty"`
	Enum        []string  `yaml:"enum" json:"enum,omitempty"`
	Column      string    `yaml:"column" json:"column,omitempty"`
	Description string    `yaml:"description" json:"description,omitempty"`
}

// CrossRuleKind 是跨字段规则的类别。
type CrossRuleKind string

const (
	// RuleSumEquals 要求 Fields 之和等于 Target。Fields 中的 JSON 数组按行项目求和。
	RuleSumEquals CrossRuleKind = "sum_equals"
	// RuleDateOrder 要求 Fields 中的日期按顺序不递减。
	RuleDateOrder CrossRuleKind = "date_order"
)

// CrossRule 是一条跨字段一致性规则。
type CrossRule struct {
	Kind      CrossRuleKind `yaml:"kind" json:"kind"`
	Fields    []string      `yaml:"fields" json:"fields"`
	Target    string        `yaml:"target" json:"target,omitempty"`
	Tolerance float64       `yaml:"tolerance" json:"tolerance,omitempty"`
}

// DocumentType 描述一种文档类型：有序字段 schema、跨字段规则与归档目标。
type DocumentType struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Fields      []FieldRule `yaml:"fields" json:"fields"`
	Rules       []CrossRule `yaml:"rules" json:"rules,omitempty"`
	Destination string      `yaml:"destination" json:"destination,omitempty"`
}

// Profile 是流水线在一次处理中使用的智能体配置。
type Profile struct {
	AgentID               string
	Types                 []DocumentType
	ClassifyMinConfidence float64
	AcceptMinConfidence   float64
	// AlwaysReview 为 true 时，即使通过所有检查也会以 policy_flag 进入复核。
	AlwaysReview bool
	Budget       router.Budget
	Instruction  string
}

// Type 按名称查找文档类型，大小写不敏感。
func (p Profile) Type(name string) (*DocumentType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := range p.Types {
		if strings.ToLower(p.Types[i].Name) == name {
			return &p.Types[i], true
		}
	}
	return nil, false
}

// Labels 返回分类候选标签。
func (p Profile) Labels() []string {
	out := make([]string, 0, len(p.Types))
	for _, t := range p.Types {
		out = append(out, t.Name)
	}
	return out
}

func (p Profile) classifyMin() float64 {
	if p.ClassifyMinConfidence > 0 {
		return p.ClassifyMinConfidence
	}
	return DefaultClassifyMinConfidence
}

func (p Profile) acceptMin() float64 {
	if p.AcceptMinConfidence > 0 {
		return p.AcceptMinConfidence
	}
	return DefaultAcceptMinConfidence
}

// Validate 检查配置本身是否合法，包括正则能否编译、规则引用的字段是否存在。
func (p Profile) Validate() error {
	if strings.TrimSpace(p.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线配置缺少 agent id")
	}
	if len(p.Types) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线配置至少需要一种文档类型: "+p.AgentID)
	}
	seen := make(map[string]struct{}, len(p.Types))
	for _, t := range p.Types {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" || name == "unknown" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s: 文档类型名称非法 %q", p.AgentID, t.Name))
		}
		if _, dup := seen[name]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s: 文档类型重复 %q", p.AgentID, t.Name))
		}
		seen[name] = struct{}{}
		if err := t.validate(); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("%s/%s: schema 非法", p.AgentID, t.Name))
		}
	}
	return nil
}

func (t DocumentType) validate() error {
	fields := make(map[string]struct{}, len(t.Fields))
	for _, f := range t.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("字段名称为空")
		}
		if _, dup := fields[f.Name]; dup {
			return fmt.Errorf("字段重复: %s", f.Name)
		}
		fields[f.Name] = struct{}{}
		switch f.Type {
		case "", TypeString, TypeNumber, TypeMoney, TypeDate, TypeEmail, TypePhone:
		default:
			return fmt.Errorf("字段 %s 类型未知: %s", f.Name, f.Type)
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				return fmt.Errorf("字段 %s 正则非法: %w", f.Name, err)
			}
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("字段 %s 范围非法", f.Name)
		}
	}
	for _, r := range t.Rules {
		switch r.Kind {
		case RuleSumEquals:
			if r.Target == "" || len(r.Fields) == 0 {
				return fmt.Errorf("sum_equals 需要 target 与 fields")
			}
		case RuleDateOrder:
			if len(r.Fields) < 2 {
				return fmt.Errorf("date_order 至少需要两个字段")
			}
		default:
			return fmt.Errorf("未知规则: %s", r.Kind)
		}
		for _, name := range append(append([]string(nil), r.Fields...), r.Target) {
			if name == "" {
				continue
			}
			if _, ok := fields[name]; !ok {
				return fmt.Errorf("规则 %s 引用了未定义字段 %s", r.Kind, name)
			}
		}
	}
	return nil
}

// FieldSpecs 把 schema 转换为抽取请求的字段描述。
func (t DocumentType) FieldSpecs() []capability.FieldSpec {
	out := make([]capability.FieldSpec, 0, len(t.Fields))
	for _, f := range t.Fields {
		out = append(out, f.spec())
	}
	return out
}

func (f FieldRule) spec() capability.FieldSpec {
	format := string(f.Type)
	if format == "" {
		format = string(TypeString)
	}
	if f.Pattern != "" {
		format += " matching " + f.Pattern
	}
	if len(f.Enum) > 0 {
		format += " one of " + strings.Join(f.Enum, "|")
	}
	desc := f.Description
	if f.Required {
		desc = strings.TrimSpace("required. " + desc)
	}
	return capability.FieldSpec{Name: f.Name, Format: format, Description: desc}
}

// DestinationFor 返回文档类型对应的归档目标，未配置时使用类型名称。
func (p Profile) DestinationFor(documentType string) string {
	if t, ok := p.Type(documentType); ok {
		if t.Destination != "" {
			return t.Destination
		}
		return t.Name
	}
	return documentType
}
