package request

// Stats 聚合了请求状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Rejected        int   `json:"rejected"`
	Aborted         int   `json:"aborted"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(req *Request) {
	s.Total++
	switch req.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusRejected:
		s.Rejected++
	case StatusAborted:
		s.Aborted++
	}
	if req.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = req.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (req.UpdatedAt != 0 && req.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = req.UpdatedAt
	}
}
