// Package rules 提供确定性的本地能力后端，基于关键词与 "字段: 值" 行匹配，
// 不依赖外部服务，常作为路由的兜底候选。
package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"Cerberus-Core/internal/capability"
)

const (
	fieldConfidence = 0.9
	textConfidence  = 0.6
	maxClassify     = 0.95
)

// Backend 是基于规则的后端实现。
type Backend struct {
	name     string
	keywords map[string][]string
}

// New 创建规则后端。keywords 为每个分类标签配置的关键词，未配置的标签使用标签名本身。
func New(name string, keywords map[string][]string) *Backend {
	if name == "" {
		name = "rules"
	}
	normalized := make(map[string][]string, len(keywords))
	for label, words := range keywords {
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				normalized[strings.ToLower(label)] = append(normalized[strings.ToLower(label)], w)
			}
		}
	}
	return &Backend{name: name, keywords: normalized}
}

// Name 实现 capability.Backend。
func (b *Backend) Name() string { return b.name }

// Invoke 实现 capability.Backend。
func (b *Backend) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, capability.Unavailable(b.name, err, "调用已取消")
	}
	switch req.Kind {
	case capability.KindClassify:
		return b.classify(req)
	case capability.KindExtract:
		return b.extract(req), nil
	case capability.KindSummarize:
		return &capability.Result{Text: summarize(req.Payload, 3), Confidence: textConfidence, Model: b.name}, nil
	case capability.KindDraft:
		return &capability.Result{Text: draft(req), Confidence: textConfidence, Model: b.name}, nil
	case capability.KindValidate:
		return &capability.Result{Text: "no rule violations detected", Confidence: textConfidence, Model: b.name}, nil
	default:
		text := strings.TrimSpace(req.Params.Instruction + "\n" + req.Payload)
		return &capability.Result{Text: text, Confidence: textConfidence, Model: b.name}, nil
	}
}

func (b *Backend) classify(req capability.Request) (*capability.Result, error) {
	labels := req.Params.Labels
	if len(labels) == 0 {
		return nil, capability.Failed(b.name, nil, "分类请求缺少候选标签")
	}
	text := strings.ToLower(req.Payload)

	best, bestHits := "", 0
	for _, label := range labels {
		words := b.keywords[strings.ToLower(label)]
		if len(words) == 0 {
			words = []string{strings.ToLower(label), strings.TrimSuffix(strings.ToLower(label), "s")}
		}
		hits := 0
		for _, w := range dedupe(words) {
			if w != "" && strings.Contains(text, w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = label, hits
		}
	}
	if bestHits == 0 {
		fallback := labels[len(labels)-1]
		for _, label := range labels {
			if strings.EqualFold(label, "other") {
				fallback = label
			}
		}
		return &capability.Result{Label: fallback, Confidence: 0.3, Model: b.name}, nil
	}
	confidence := 0.5 + 0.1*float64(bestHits)
	if confidence > maxClassify {
		confidence = maxClassify
	}
	return &capability.Result{Label: best, Confidence: confidence, Model: b.name}, nil
}

func (b *Backend) extract(req capability.Request) *capability.Result {
	fields := make(map[string]capability.FieldValue, len(req.Params.Fields))
	for _, spec := range req.Params.Fields {
		if value, ok := findField(req.Payload, spec.Name); ok {
			fields[spec.Name] = capability.FieldValue{Value: value, Confidence: fieldConfidence}
		}
	}
	confidence := 0.0
	if len(fields) > 0 {
		confidence = fieldConfidence
	}
	return &capability.Result{Fields: fields, Confidence: confidence, Model: b.name}
}

func findField(text, name string) (string, bool) {
	variants := []string{regexp.QuoteMeta(name)}
	if spaced := strings.ReplaceAll(name, "_", " "); spaced != name {
		variants = append(variants, regexp.QuoteMeta(spaced))
	}
	re := regexp.MustCompile(`(?im)^[ \t]*(?:` + strings.Join(variants, "|") + `)[ \t]*[:=][ \t]*(.+?)[ \t]*$`)
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

func summarize(text string, sentences int) string {
	text = strings.Join(strings.Fields(text), " ")
	var out []string
	for len(out) < sentences && text != "" {
		idx := strings.IndexAny(text, ".!?")
		if idx < 0 {
			out = append(out, text)
			break
		}
		out = append(out, strings.TrimSpace(text[:idx+1]))
		text = strings.TrimSpace(text[idx+1:])
	}
	return strings.Join(out, " ")
}

func draft(req capability.Request) string {
	subject := ""
	if m := regexp.MustCompile(`(?im)^subject:[ \t]*(.+)$`).FindStringSubmatch(req.Payload); len(m) == 2 {
		subject = strings.TrimSpace(m[1])
	}
	var b strings.Builder
	if subject != "" {
		fmt.Fprintf(&b, "Re: %s\n\n", subject)
	}
	b.WriteString("Hello,\n\nThank you for your message. ")
	if instr := strings.TrimSpace(req.Params.Instruction); instr != "" {
		b.WriteString(instr)
		b.WriteString(" ")
	}
	b.WriteString("I will follow up shortly.\n\nBest regards")
	return b.String()
}

func dedupe(words []string) []string {
	sorted := append([]string(nil), words...)
	sort.Strings(sorted)
	out := sorted[:0:0]
	for i, w := range sorted {
		if i == 0 || w != sorted[i-1] {
			out = append(out, w)
		}
	}
	return out
}
