package router

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Cerberus-Core/internal/capability"
	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/internal/memory"
)

type scriptedBackend struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req capability.Request) (*capability.Result, error)
}

func (s *scriptedBackend) Name() string { return s.name }

func (s *scriptedBackend) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func fixed(name string, confidence, cost float64) *scriptedBackend {
	return &scriptedBackend{name: name, fn: func(_ context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{Text: "ok", Confidence: confidence, Cost: cost, Model: req.Params.Model}, nil
	}}
}

func newRouter(t *testing.T, cands []Candidate, backends ...capability.Backend) *Router {
	t.Helper()
	r, err := New(capability.NewRegistry(backends...), map[capability.Kind][]Candidate{capability.KindSummarize: cands})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func TestRouteChoosesHighestRankedFit(t *testing.T) {
	premium := fixed("premium", 0.95, 0.05)
	cheap := fixed("cheap", 0.7, 0.001)
	r := newRouter(t, []Candidate{
		{Backend: "premium", Model: "big", Cost: 0.05, Latency: 2 * time.Second, Confidence: 0.95},
		{Backend: "cheap", Model: "small", Cost: 0.001, Latency: 200 * time.Millisecond, Confidence: 0.7},
	}, premium, cheap)

	dec, err := r.Route(context.Background(), Request{Kind: capability.KindSummarize, Payload: "x"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if dec.Backend != "premium" || dec.Rank != 0 || dec.BestEffort || dec.Model != "big" {
		t.Fatalf("unconstrained budget should take rank 0: %+v", dec)
	}

	dec, _ = r.Route(context.Background(), Request{Kind: capability.KindSummarize, Payload: "x", Budget: Budget{MaxCost: 0.01}})
	if dec.Backend != "cheap" || dec.BestEffort {
		t.Fatalf("cost cap should select cheap: %+v", dec)
	}
}

func TestRouteBestEffortFallsBackToCheapest(t *testing.T) {
	r := newRouter(t, []Candidate{
		{Backend: "a", Cost: 0.02, Confidence: 0.8},
		{Backend: "b", Cost: 0.01, Confidence: 0.6},
	}, fixed("a", 0.8, 0.02), fixed("b", 0.6, 0.01))

	req := Request{Kind: capability.KindSummarize, Payload: "x", Budget: Budget{MinConfidence: 0.99}}
	dec, res, err := r.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !dec.BestEffort || dec.Backend != "b" {
		t.Fatalf("expected best effort on cheapest, got %+v", dec)
	}
	if res == nil || res.Confidence != 0.6 {
		t.Fatalf("invocation should proceed: %+v", res)
	}
}

func TestRouteUsesObservedStatistics(t *testing.T) {
	slowPremium := fixed("premium", 0.4, 0.05)
	r := newRouter(t, []Candidate{
		{Backend: "premium", Cost: 0.05, Confidence: 0.95},
		{Backend: "fallback", Cost: 0.05, Confidence: 0.9},
	}, slowPremium, fixed("fallback", 0.9, 0.05))

	req := Request{Kind: capability.KindSummarize, Payload: "x", Budget: Budget{MinConfidence: 0.85}}
	dec, _, err := r.Execute(context.Background(), req)
	if err != nil || dec.Backend != "premium" {
		t.Fatalf("first call should trust configured expectations: %+v %v", dec, err)
	}
	dec, err = r.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if dec.Backend != "fallback" {
		t.Fatalf("observed low confidence should demote premium: %+v", dec)
	}
}

func TestRouteValidation(t *testing.T) {
	r := newRouter(t, nil)
	if _, err := r.Route(context.Background(), Request{Kind: "translate", Payload: "x"}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown kind should be invalid: %v", err)
	}
	if _, err := r.Route(context.Background(), Request{Kind: capability.KindSummarize, Payload: "  "}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty payload should be invalid: %v", err)
	}
	if _, err := r.Route(context.Background(), Request{Kind: capability.KindDraft, Payload: "x"}); !xerrors.IsCode(err, xerrors.CodeBackendUnavailable) {
		t.Fatalf("kind without candidates should be unavailable: %v", err)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(capability.NewRegistry(), map[capability.Kind][]Candidate{
		capability.KindExtract: {{Backend: "ghost"}},
	})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestInvokeErrorMappingAndFailureCount(t *testing.T) {
	slow := &scriptedBackend{name: "slow", fn: func(ctx context.Context, _ capability.Request) (*capability.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	broken := &scriptedBackend{name: "broken", fn: func(context.Context, capability.Request) (*capability.Result, error) {
		return nil, errors.New("unexpected token")
	}}
	store := memory.NewMemoryStore()
	r, err := New(capability.NewRegistry(slow, broken), map[capability.Kind][]Candidate{
		capability.KindExtract: {{Backend: "slow"}, {Backend: "broken"}},
	}, WithMemoryStats(store, 0.5), WithBackendTimeout("slow", 20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	req := Request{Kind: capability.KindExtract, Payload: "x"}

	_, err = r.Invoke(context.Background(), req, Decision{Backend: "slow"})
	if !xerrors.IsCode(err, xerrors.CodeBackendUnavailable) {
		t.Fatalf("timeout should map to BACKEND_UNAVAILABLE, got %v", err)
	}
	_, err = r.Invoke(context.Background(), req, Decision{Backend: "broken"})
	if !xerrors.IsCode(err, xerrors.CodeBackendError) {
		t.Fatalf("plain error should map to BACKEND_ERROR, got %v", err)
	}

	stats, found, err := r.Stats().Load(context.Background(), capability.KindExtract, "slow")
	if err != nil || !found {
		t.Fatalf("stats missing: %v", err)
	}
	if stats.Failures != 1 || stats.Samples != 0 || stats.LastErrorCode != string(xerrors.CodeBackendUnavailable) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStatsApplyEMA(t *testing.T) {
	now := time.Unix(0, 0)
	s := Stats{}.Apply(Observation{Cost: 1, Latency: 100 * time.Millisecond, Confidence: 0.8}, 0.5, now)
	s = s.Apply(Observation{Cost: 3, Latency: 300 * time.Millisecond, Confidence: 0.4}, 0.5, now)
	if s.Samples != 2 || s.Cost != 2 || math.Abs(s.LatencyMillis-200) > 1e-9 || math.Abs(s.Confidence-0.6) > 1e-9 {
		t.Fatalf("unexpected ema: %+v", s)
	}
	s = s.Apply(Observation{Failed: true, ErrorCode: "BACKEND_ERROR"}, 0.5, now)
	if s.Cost != 2 || s.Failures != 1 || s.ConsecutiveFailures != 1 {
		t.Fatalf("failure should not move averages: %+v", s)
	}
	s = s.Apply(Observation{Cost: 2, Confidence: 0.6, Latency: 200 * time.Millisecond}, 0.5, now)
	if s.ConsecutiveFailures != 0 || s.Failures != 1 {
		t.Fatalf("success should reset consecutive failures: %+v", s)
	}
}

func TestConcurrentInvocationsKeepEverySample(t *testing.T) {
	b := fixed("rules", 0.7, 0)
	r := newRouter(t, []Candidate{{Backend: "rules"}}, b)
	req := Request{Kind: capability.KindSummarize, Payload: "x"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.Execute(context.Background(), req); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	stats, _, _ := r.Stats().Load(context.Background(), capability.KindSummarize, "rules")
	if stats.Samples != 40 {
		t.Fatalf("expected 40 samples, got %d", stats.Samples)
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	b := fixed("limited", 0.9, 0)
	r, _ := New(capability.NewRegistry(b), map[capability.Kind][]Candidate{
		capability.KindSummarize: {{Backend: "limited"}},
	}, WithRateLimit("limited", 0.001, 1))
	req := Request{Kind: capability.KindSummarize, Payload: "x"}

	if _, _, err := r.Execute(context.Background(), req); err != nil {
		t.Fatalf("first call uses the burst token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := r.Execute(ctx, req); !xerrors.IsCode(err, xerrors.CodeBackendUnavailable) {
		t.Fatalf("exhausted limiter should surface as unavailable, got %v", err)
	}
}
