package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/engine"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/pkg/logger"
)

// Planner 按智能体配置把请求分解为任务：每个输入一个叶子任务，
// 动作配置了汇总步骤时再追加一个依赖所有叶子的终结任务。
type Planner struct {
	registry *Registry
}

// NewPlanner 创建规划器。
func NewPlanner(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// Plan 实现 engine.Planner。
func (p *Planner) Plan(_ context.Context, req engine.Request) (*engine.Plan, error) {
	if p == nil || p.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规划器未配置智能体注册表")
	}
	b, err := p.registry.Resolve(req.AgentID)
	if err != nil {
		return nil, err
	}
	plan := &engine.Plan{AgentID: b.Name, Profile: b.Profile(), Budget: b.Budget}

	if len(req.Tasks) > 0 {
		plan.Tasks = req.Tasks
		return plan, nil
	}

	action, ok := b.Match(req.Action, req.Description)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidGraph, fmt.Sprintf("智能体 %s 没有可用的动作: %q", b.Name, req.Action))
	}
	params := capability.Params{
		Labels:      action.Labels,
		Instruction: joinNonEmpty("\n", b.Instruction, action.Prompt),
	}
	if len(params.Labels) == 0 && action.Kind == capability.KindClassify {
		params.Labels = b.Categories
	}
	target := action.Target
	if target == "" {
		target = engine.TargetRouter
	}

	var leaves []engine.TaskSpec
	switch {
	case len(req.Inputs) > 0:
		leaves = engine.FanOut(action.Name, action.Kind, target, req.Inputs, params, action.Review)
		for i := range leaves {
			leaves[i].Payload.Text = req.Description
		}
	case target == engine.TargetPipeline:
		return nil, xerrors.New(xerrors.CodeInvalidGraph, fmt.Sprintf("动作 %s/%s 需要至少一个输入文档", b.Name, action.Name))
	default:
		if strings.TrimSpace(req.Description) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidGraph, fmt.Sprintf("动作 %s/%s 没有输入也没有描述", b.Name, action.Name))
		}
		leaves = []engine.TaskSpec{{
			ID:      action.Name + "-1",
			Kind:    action.Kind,
			Target:  engine.TargetRouter,
			Payload: engine.Payload{Text: req.Description},
			Params:  params,
			Review:  action.Review,
		}}
	}

	plan.Tasks = leaves
	if step := action.Finally; step != nil {
		id := step.ID
		if id == "" {
			id = action.Name + "-summary"
		}
		plan.Tasks = engine.FanIn(leaves, engine.TaskSpec{
			ID:      id,
			Kind:    step.Kind,
			Target:  engine.TargetRouter,
			Payload: engine.Payload{Text: joinNonEmpty("\n\n", step.Prompt, req.Description)},
			Params:  capability.Params{Instruction: b.Instruction},
			Review:  step.Review,
		})
	}
	logger.L().Debug("请求已分解",
		slog.String("request_id", req.ID),
		slog.String("agent_id", b.Name),
		slog.String("action", action.Name),
		slog.Int("tasks", len(plan.Tasks)),
	)
	return plan, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
