package record

import (
	"strings"
	"time"
)

// UnknownType 是分类置信度不足或标签未知时的文档类型。
const UnknownType = "unknown"

// ValidationKind 是校验违规的类别。
type ValidationKind string

const (
	MissingField  ValidationKind = "missing_field"
	FormatInvalid ValidationKind = "format_invalid"
	RangeInvalid  ValidationKind = "range_invalid"
	Inconsistent  ValidationKind = "inconsistent"
)

// ValidationError 描述一条校验违规，作为数据随记录保存。
type ValidationError struct {
	Kind    ValidationKind `json:"kind"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
}

func (v ValidationError) String() string {
	if v.Field == "" {
		return string(v.Kind) + ": " + v.Message
	}
	return string(v.Kind) + "(" + v.Field + "): " + v.Message
}

// Field 是一个抽取出的字段，按 schema 顺序保存。
type Field struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Column     string  `json:"column,omitempty"`
}

// ExtractedRecord 是流水线的输出，也是写入目标端的单元。
type ExtractedRecord struct {
	DocumentID               string            `json:"document_id"`
	DocumentName             string            `json:"document_name,omitempty"`
	DocumentType             string            `json:"document_type"`
	AgentID                  string            `json:"agent_id"`
	Sender                   string            `json:"sender,omitempty"`
	Fields                   []Field           `json:"fields"`
	ClassificationConfidence float64           `json:"classification_confidence"`
	OverallConfidence        float64           `json:"overall_confidence"`
	ValidationErrors         []ValidationError `json:"validation_errors,omitempty"`
	Destination              string            `json:"destination,omitempty"`
	ExtractedAt              time.Time         `json:"extracted_at"`
}

// Field 按名称查找字段。
func (r *ExtractedRecord) Field(name string) (Field, bool) {
	if r == nil {
		return Field{}, false
	}
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Set 更新或追加字段值。
func (r *ExtractedRecord) Set(name, value string, confidence float64) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			r.Fields[i].Confidence = confidence
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value, Confidence: confidence})
}

// Columns 返回目标端列名，有映射时使用映射后的名称。
func (r *ExtractedRecord) Columns() []string {
	out := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		out = append(out, f.ColumnName())
	}
	return out
}

// ColumnName 返回字段在目标端的列名。
func (f Field) ColumnName() string {
	if c := strings.TrimSpace(f.Column); c != "" {
		return c
	}
	return f.Name
}

// Clone 返回深拷贝。
func (r *ExtractedRecord) Clone() *ExtractedRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Fields = append([]Field(nil), r.Fields...)
	clone.ValidationErrors = append([]ValidationError(nil), r.ValidationErrors...)
	return &clone
}

// Valid 报告记录是否没有校验违规。
func (r *ExtractedRecord) Valid() bool {
	return r != nil && len(r.ValidationErrors) == 0
}
