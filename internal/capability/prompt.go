package capability

import (
	"fmt"
	"sort"
	"strings"
)

// SystemPrompt 返回给模型的系统提示，约定各能力类型的 JSON 输出格式。
func SystemPrompt(kind Kind) string {
	base := "You are a document and email processing engine. Reply with a single compact JSON object and nothing else. "
	switch kind {
	case KindClassify:
		return base + `Format: {"label": string, "confidence": number between 0 and 1}. The label must be one of the allowed labels.`
	case KindExtract:
		return base + `Format: {"fields": {"<field>": {"value": string|number|array, "confidence": number between 0 and 1}}}. Omit fields that are not present in the input.`
	case KindValidate:
		return base + `Format: {"text": string, "confidence": number between 0 and 1}. Explain any inconsistency you find.`
	default:
		return base + `Format: {"text": string, "confidence": number between 0 and 1}.`
	}
}

// UserPrompt 把请求渲染为用户消息。
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task: %s\n", req.Kind)
	if instr := strings.TrimSpace(req.Params.Instruction); instr != "" {
		b.WriteString(instr)
		b.WriteString("\n")
	}
	if len(req.Params.Labels) > 0 {
		fmt.Fprintf(&b, "Allowed labels: %s\n", strings.Join(req.Params.Labels, ", "))
	}
	if len(req.Params.Fields) > 0 {
		b.WriteString("Fields to extract (in order):\n")
		for _, f := range req.Params.Fields {
			fmt.Fprintf(&b, "- %s", f.Name)
			if f.Format != "" {
				fmt.Fprintf(&b, " (%s)", f.Format)
			}
			if f.Description != "" {
				fmt.Fprintf(&b, ": %s", f.Description)
			}
			b.WriteString("\n")
		}
	}
	if len(req.Params.Hints) > 0 {
		b.WriteString("Hints from previous corrections:\n")
		keys := make([]string, 0, len(req.Params.Hints))
		for k := range req.Params.Hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Params.Hints[k])
		}
	}
	if len(req.Params.Context) > 0 {
		b.WriteString("Reference notes:\n")
		for i, c := range req.Params.Context {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, truncate(c, 400))
		}
	}
	b.WriteString("\n## Input\n")
	b.WriteString(req.Payload)
	return b.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
