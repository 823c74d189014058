package engine

import "time"

// GraphStatus 是图执行的最终状态。
type GraphStatus string

const (
	GraphCompleted GraphStatus = "completed"
	GraphAborted   GraphStatus = "aborted"
)

// AggregatedResult 汇总一次图执行。Results 按任务插入顺序排列，包含每个任务的终态。
type AggregatedResult struct {
	RequestID   string        `json:"request_id"`
	GraphID     string        `json:"graph_id"`
	AgentID     string        `json:"agent_id"`
	Status      GraphStatus   `json:"status"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	NeedsReview int           `json:"needs_review"`
	Blocked     int           `json:"blocked"`
	Aborted     int           `json:"aborted"`
	Cost        float64       `json:"cost"`
	Results     []TaskOutcome `json:"results"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// ReviewIDs 返回结果中所有复核条目 ID。
func (r *AggregatedResult) ReviewIDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	for _, o := range r.Results {
		if o.ReviewID != "" {
			ids = append(ids, o.ReviewID)
		}
	}
	return ids
}

func aggregate(g *Graph, started, finished time.Time, aborted bool) *AggregatedResult {
	res := &AggregatedResult{
		RequestID:  g.RequestID,
		GraphID:    g.ID,
		AgentID:    g.AgentID,
		Status:     GraphCompleted,
		Total:      len(g.tasks),
		Results:    make([]TaskOutcome, 0, len(g.tasks)),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if aborted {
		res.Status = GraphAborted
	}
	for _, t := range g.tasks {
		switch t.Status {
		case StatusSucceeded:
			res.Succeeded++
		case StatusFailed:
			res.Failed++
		case StatusNeedsReview:
			res.NeedsReview++
		case StatusBlocked:
			res.Blocked++
		case StatusAborted:
			res.Aborted++
		}
		if t.Result != nil {
			res.Cost += t.Result.Cost
		}
		res.Results = append(res.Results, t.outcome())
	}
	return res
}
