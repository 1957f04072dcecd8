// Package observability exposes the service's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by route and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finscope",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	// RequestDuration tracks HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finscope",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP handler latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"route"})

	// ToolExecutions counts tool runs by tool name and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finscope",
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool and outcome.",
	}, []string{"tool", "outcome"})

	// ToolDuration tracks tool execution latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finscope",
		Name:      "tool_duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"tool"})

	// LLMTokens counts tokens consumed per provider model.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finscope",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed by model.",
	}, []string{"model"})

	// ResearchIterations observes gap-filling iterations per research run.
	ResearchIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "finscope",
		Name:      "research_iterations",
		Help:      "Gap-filling iterations per research run.",
		Buckets:   []float64{0, 1, 2, 3},
	})

	// ResearchSubQuestions observes sub-question fan-out per research run.
	ResearchSubQuestions = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "finscope",
		Name:      "research_sub_questions",
		Help:      "Sub-questions per research run.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// MemoryLeakWarnings counts leak-slope warnings from the watcher.
	MemoryLeakWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "finscope",
		Name:      "memory_leak_warnings_total",
		Help:      "Memory growth warnings emitted by the leak watcher.",
	})

	// ActiveSessions gauges live sessions in the store.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "finscope",
		Name:      "active_sessions",
		Help:      "Sessions currently held by the session store.",
	})
)
