package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/pipeline"
	"Cerberus-Core/internal/router"
)

// Graph 是一次请求分解出的任务 DAG，按插入顺序保存任务。
type Graph struct {
	ID        string
	RequestID string
	AgentID   string
	Profile   *pipeline.Profile
	Budget    router.Budget
	CreatedAt time.Time

	tasks   []*Task
	index   map[string]*Task
	started atomic.Bool
}

// NewGraph 校验任务规格并构建图：ID 非空且唯一、依赖存在、无环。
// 任何违规都返回 INVALID_GRAPH，此时没有任务被执行。
func NewGraph(requestID, agentID string, specs []TaskSpec, profile *pipeline.Profile) (*Graph, error) {
	if len(specs) == 0 {
		return nil, invalidGraph("任务图为空")
	}
	g := &Graph{
		ID:        uuid.NewString(),
		RequestID: requestID,
		AgentID:   agentID,
		Profile:   profile,
		CreatedAt: time.Now().UTC(),
		tasks:     make([]*Task, 0, len(specs)),
		index:     make(map[string]*Task, len(specs)),
	}
	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, invalidGraph("任务 ID 不能为空")
		}
		if _, dup := g.index[id]; dup {
			return nil, invalidGraph("任务 ID 重复: " + id)
		}
		if !spec.Kind.Valid() {
			return nil, invalidGraph(fmt.Sprintf("任务 %s 的类型未知: %s", id, spec.Kind))
		}
		spec.ID = id
		t := newTask(spec)
		switch t.Target {
		case TargetPipeline:
			if spec.Payload.Document == nil {
				return nil, invalidGraph("流水线任务缺少文档: " + id)
			}
			if profile == nil {
				return nil, invalidGraph("流水线任务缺少智能体配置: " + id)
			}
		case TargetRouter:
		default:
			return nil, invalidGraph(fmt.Sprintf("任务 %s 的目标未知: %s", id, t.Target))
		}
		g.tasks = append(g.tasks, t)
		g.index[id] = t
	}
	for _, t := range g.tasks {
		seen := make(map[string]struct{}, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return nil, invalidGraph("任务依赖自身: " + t.ID)
			}
			if _, ok := g.index[dep]; !ok {
				return nil, invalidGraph(fmt.Sprintf("任务 %s 依赖不存在的任务 %s", t.ID, dep))
			}
			if _, dup := seen[dep]; dup {
				return nil, invalidGraph(fmt.Sprintf("任务 %s 重复依赖 %s", t.ID, dep))
			}
			seen[dep] = struct{}{}
		}
	}
	if _, err := g.Order(); err != nil {
		return nil, err
	}
	return g, nil
}

func invalidGraph(msg string) error {
	return xerrors.New(xerrors.CodeInvalidGraph, msg)
}

// Tasks 返回按插入顺序排列的任务。调用方不得在 Run 期间修改。
func (g *Graph) Tasks() []*Task {
	return append([]*Task(nil), g.tasks...)
}

// Task 按 ID 查找任务。
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.index[id]
	return t, ok
}

// Len 返回任务数量。
func (g *Graph) Len() int { return len(g.tasks) }

// Order 用 Kahn 算法返回拓扑序，同层按插入顺序。存在环时返回包含环路径的 INVALID_GRAPH。
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))
	for _, t := range g.tasks {
		for _, dep := range t.Dependencies {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(g.tasks))
	for _, t := range g.tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	order := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) == len(g.tasks) {
		return order, nil
	}
	cycle := g.findCycle(indegree)
	return nil, xerrors.New(xerrors.CodeInvalidGraph, "任务图存在环: "+strings.Join(cycle, " -> "),
		xerrors.WithMetadata("cycle", strings.Join(cycle, ",")))
}

// findCycle 在剩余入度非零的节点中做确定性 DFS，返回一条闭合路径。
func (g *Graph) findCycle(indegree map[string]int) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.tasks))
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.index[id].Dependencies {
			if indegree[dep] == 0 {
				continue
			}
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				found = append(append([]string(nil), stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, t := range g.tasks {
		if indegree[t.ID] > 0 && color[t.ID] == white {
			if visit(t.ID) {
				break
			}
		}
	}
	return found
}
