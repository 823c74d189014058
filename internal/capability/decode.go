package capability

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultConfidence 在后端没有报告置信度时使用。
const DefaultConfidence = 0.5

// ErrMalformedOutput 表示模型输出不符合约定的 JSON 结构。
var ErrMalformedOutput = errors.New("malformed backend output")

// ParseOutput 把模型文本输出解析为 Result。classify 与 extract 必须返回合法 JSON；
// 其他类型允许纯文本，按默认置信度处理。
func ParseOutput(kind Kind, content string) (*Result, error) {
	content = stripFences(content)
	if content == "" {
		return nil, ErrMalformedOutput
	}
	if !gjson.Valid(content) {
		if kind == KindClassify || kind == KindExtract {
			return nil, ErrMalformedOutput
		}
		return &Result{Text: content, Confidence: DefaultConfidence}, nil
	}

	doc := gjson.Parse(content)
	res := &Result{Confidence: clamp(floatOr(doc.Get("confidence"), DefaultConfidence))}

	switch kind {
	case KindClassify:
		label := doc.Get("label")
		if !label.Exists() {
			return nil, ErrMalformedOutput
		}
		res.Label = strings.TrimSpace(label.String())
	case KindExtract:
		fields := doc.Get("fields")
		if !fields.IsObject() {
			return nil, ErrMalformedOutput
		}
		res.Fields = make(map[string]FieldValue)
		fieldConfidence := 1.0
		fields.ForEach(func(key, value gjson.Result) bool {
			fv := fieldValue(value, res.Confidence)
			res.Fields[key.String()] = fv
			if fv.Confidence < fieldConfidence {
				fieldConfidence = fv.Confidence
			}
			return true
		})
		if !doc.Get("confidence").Exists() && len(res.Fields) > 0 {
			res.Confidence = fieldConfidence
		}
	default:
		text := doc.Get("text")
		if text.Exists() {
			res.Text = text.String()
		} else {
			res.Text = content
		}
	}
	return res, nil
}

func fieldValue(value gjson.Result, fallback float64) FieldValue {
	if value.IsObject() && value.Get("value").Exists() {
		inner := value.Get("value")
		return FieldValue{
			Value:      rawOrString(inner),
			Confidence: clamp(floatOr(value.Get("confidence"), fallback)),
		}
	}
	return FieldValue{Value: rawOrString(value), Confidence: fallback}
}

func rawOrString(v gjson.Result) string {
	if v.IsArray() || v.IsObject() {
		return v.Raw
	}
	return v.String()
}

func floatOr(v gjson.Result, fallback float64) float64 {
	if !v.Exists() {
		return fallback
	}
	return v.Float()
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[idx+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
