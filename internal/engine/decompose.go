package engine

import (
	"fmt"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/document"
)

// FanOut 为每个文档生成一个独立任务，ID 为 prefix-序号。
func FanOut(prefix string, kind capability.Kind, target Target, docs []*document.Document, params capability.Params, review bool) []TaskSpec {
	specs := make([]TaskSpec, 0, len(docs))
	for i, doc := range docs {
		spec := TaskSpec{
			ID:     fmt.Sprintf("%s-%d", prefix, i+1),
			Kind:   kind,
			Target: target,
			Params: params,
			Review: review,
			Payload: Payload{
				Document: doc,
			},
		}
		if doc != nil {
			spec.Payload.Ref = doc.Name
		}
		specs = append(specs, spec)
	}
	return specs
}

// FanIn 让汇总任务依赖所有叶子任务，返回叶子加汇总的完整列表。
func FanIn(leaves []TaskSpec, terminal TaskSpec) []TaskSpec {
	deps := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		deps = append(deps, leaf.ID)
	}
	terminal.Dependencies = append(terminal.Dependencies, deps...)
	if terminal.Target == "" {
		terminal.Target = TargetRouter
	}
	return append(append([]TaskSpec(nil), leaves...), terminal)
}
