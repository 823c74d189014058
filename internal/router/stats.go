package router

import (
	"context"
	"time"

	"Cerberus-Core/internal/capability"
	"Cerberus-Core/internal/memory"
)

// DefaultAlpha 是指数移动平均的默认平滑系数。
const DefaultAlpha = 0.2

// Stats 是某后端在某能力类型上的滚动统计。
type Stats struct {
	Samples             int64     `json:"samples"`
	Cost                float64   `json:"cost"`
	LatencyMillis       float64   `json:"latency_ms"`
	Confidence          float64   `json:"confidence"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastErrorCode       string    `json:"last_error_code,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Latency 返回平均延迟。
func (s Stats) Latency() time.Duration {
	return time.Duration(s.LatencyMillis * float64(time.Millisecond))
}

// Observation 是一次调用完成后的观测值。
type Observation struct {
	Cost       float64
	Latency    time.Duration
	Confidence float64
	Failed     bool
	ErrorCode  string
}

// StatsStore 保存后端统计，Record 必须对单个 (kind, backend) 原子。
type StatsStore interface {
	Load(ctx context.Context, kind capability.Kind, backend string) (Stats, bool, error)
	Record(ctx context.Context, kind capability.Kind, backend string, obs Observation) (Stats, error)
}

// Apply 把一次观测合入统计。失败只累计失败计数，不影响成本、延迟与置信度的平均值。
func (s Stats) Apply(obs Observation, alpha float64, now time.Time) Stats {
	s.UpdatedAt = now
	if obs.Failed {
		s.Failures++
		s.ConsecutiveFailures++
		s.LastErrorCode = obs.ErrorCode
		return s
	}
	s.ConsecutiveFailures = 0
	latency := float64(obs.Latency) / float64(time.Millisecond)
	if s.Samples == 0 {
		s.Cost, s.LatencyMillis, s.Confidence = obs.Cost, latency, obs.Confidence
	} else {
		s.Cost = ema(s.Cost, obs.Cost, alpha)
		s.LatencyMillis = ema(s.LatencyMillis, latency, alpha)
		s.Confidence = ema(s.Confidence, obs.Confidence, alpha)
	}
	s.Samples++
	return s
}

func ema(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// MemoryStats 把统计保存在记忆存储中：scope "router"，key "stats/<kind>/<backend>"。
type MemoryStats struct {
	store memory.Store
	alpha float64
	now   func() time.Time
}

// NewMemoryStats 创建基于记忆存储的统计。alpha 不在 (0,1] 内时使用 DefaultAlpha。
func NewMemoryStats(store memory.Store, alpha float64) *MemoryStats {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &MemoryStats{store: store, alpha: alpha, now: time.Now}
}

var statsScope = memory.Scope{AgentID: "router"}

func statsKey(kind capability.Kind, backend string) string {
	return "stats/" + string(kind) + "/" + backend
}

// Load 实现 StatsStore。
func (m *MemoryStats) Load(ctx context.Context, kind capability.Kind, backend string) (Stats, bool, error) {
	return memory.GetJSON[Stats](ctx, m.store, statsScope, statsKey(kind, backend))
}

// Record 实现 StatsStore。
func (m *MemoryStats) Record(ctx context.Context, kind capability.Kind, backend string, obs Observation) (Stats, error) {
	var updated Stats
	err := memory.UpdateJSON(ctx, m.store, statsScope, statsKey(kind, backend), func(current Stats, _ bool) (Stats, error) {
		updated = current.Apply(obs, m.alpha, m.now().UTC())
		return updated, nil
	})
	return updated, err
}
