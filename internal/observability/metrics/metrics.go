package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cerberus"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	backendCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_invocations_total",
		Help:      "Capability backend invocations by outcome.",
	}, []string{"backend", "kind", "outcome"})

	backendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_invocation_duration_seconds",
		Help:      "Capability backend latency in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"backend", "kind"})

	backendCost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_cost_total",
		Help:      "Accumulated cost reported by capability backends.",
	}, []string{"backend"})

	routeDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "route_decisions_total",
		Help:      "Routing decisions by kind and whether the budget could be met.",
	}, []string{"kind", "best_effort"})

	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_outcomes_total",
		Help:      "Terminal task states.",
	}, []string{"target", "status"})

	taskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Retries scheduled by error code.",
	}, []string{"code"})

	graphRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_runs_total",
		Help:      "Task graph runs by final status.",
	}, []string{"agent", "status"})

	records = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_records_total",
		Help:      "Pipeline outcomes per agent.",
	}, []string{"agent", "outcome"})

	reviews = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "review_items_total",
		Help:      "Review queue activity by reason or resolution.",
	}, []string{"agent", "event", "value"})

	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Submitted requests by final status.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		backendCalls, backendLatency, backendCost, routeDecisions,
		taskOutcomes, taskRetries, graphRuns,
		records, reviews, requests,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveBackendCall records one capability invocation. outcome is "ok" or an error code.
func ObserveBackendCall(backend, kind, outcome string, duration time.Duration, cost float64) {
	backendCalls.WithLabelValues(backend, kind, outcome).Inc()
	backendLatency.WithLabelValues(backend, kind).Observe(duration.Seconds())
	if cost > 0 {
		backendCost.WithLabelValues(backend).Add(cost)
	}
}

// ObserveRoute records a routing decision.
func ObserveRoute(kind string, bestEffort bool) {
	routeDecisions.WithLabelValues(kind, strconv.FormatBool(bestEffort)).Inc()
}

// ObserveTask records a task reaching a terminal state.
func ObserveTask(target, status string) {
	taskOutcomes.WithLabelValues(target, status).Inc()
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(code string) {
	taskRetries.WithLabelValues(code).Inc()
}

// ObserveGraph records a finished graph run.
func ObserveGraph(agent, status string) {
	graphRuns.WithLabelValues(agent, status).Inc()
}

// ObserveRecord records a pipeline outcome (accepted, needs_review, duplicate, unsupported).
func ObserveRecord(agent, outcome string) {
	records.WithLabelValues(agent, outcome).Inc()
}

// ObserveReviewEnqueued records a review item entering the queue.
func ObserveReviewEnqueued(agent, reason string) {
	reviews.WithLabelValues(agent, "enqueued", reason).Inc()
}

// ObserveReviewResolved records a review resolution.
func ObserveReviewResolved(agent, resolution string) {
	reviews.WithLabelValues(agent, "resolved", resolution).Inc()
}

// ObserveRequest records a request reaching a final status.
func ObserveRequest(status string) {
	requests.WithLabelValues(status).Inc()
}

// Registry exposes the collector registry, mainly for tests and custom exporters.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
