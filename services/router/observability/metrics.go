// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the router's Prometheus instrumentation.
// Metrics hang off an injected registry rather than package globals so
// tests and multi-instance embeddings never fight over registration.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Router Metrics
// =============================================================================

// Metrics bundles every router-level Prometheus collector.
type Metrics struct {
	// requests counts handled messages.
	// Labels: tier (fast, knowledge, agentic, handover), outcome (ok, error, degraded)
	requests *prometheus.CounterVec

	// requestLatency measures end-to-end message handling time.
	// Labels: tier
	requestLatency *prometheus.HistogramVec

	// tokens counts LLM tokens consumed.
	// Labels: tier, kind (prompt, completion)
	tokens *prometheus.CounterVec

	// cacheLookups counts semantic cache outcomes.
	// Labels: result (l1_hit, l2_hit, suggestion, miss)
	cacheLookups *prometheus.CounterVec

	// discardedTransitions counts state transition proposals rejected by
	// the transition table. Labels: from, to
	discardedTransitions *prometheus.CounterVec

	// toolExecutions counts tool runs. Labels: action, status (ok, failed, rejected, replayed)
	toolExecutions *prometheus.CounterVec

	// breakerState exposes the LLM circuit breaker state
	// (0=closed, 1=open, 2=half_open).
	breakerState prometheus.Gauge

	// deferredTasks counts background task submissions.
	// Labels: status (queued, dropped, completed, failed)
	deferredTasks *prometheus.CounterVec
}

// NewMetrics registers all router collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Messages handled, by serving tier and outcome",
		}, []string{"tier", "outcome"}),

		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "converse",
			Subsystem: "router",
			Name:      "request_latency_seconds",
			Help:      "End-to-end message handling latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"tier"}),

		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "router",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed, by tier and kind",
		}, []string{"tier", "kind"}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Semantic cache lookup outcomes",
		}, []string{"result"}),

		discardedTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "flow",
			Name:      "discarded_transitions_total",
			Help:      "State transition proposals rejected by the transition table",
		}, []string{"from", "to"}),

		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "tools",
			Name:      "executions_total",
			Help:      "Tool executions by action and status",
		}, []string{"action", "status"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "converse",
			Subsystem: "llm",
			Name:      "breaker_state",
			Help:      "LLM circuit breaker state (0=closed, 1=open, 2=half_open)",
		}),

		deferredTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "tasks",
			Name:      "deferred_total",
			Help:      "Background task submissions by status",
		}, []string{"status"}),
	}
}

// ObserveRequest records one handled message.
func (m *Metrics) ObserveRequest(tier, outcome string, latency time.Duration) {
	m.requests.WithLabelValues(tier, outcome).Inc()
	m.requestLatency.WithLabelValues(tier).Observe(latency.Seconds())
}

// AddTokens records token consumption for a tier.
func (m *Metrics) AddTokens(tier string, prompt, completion int) {
	if prompt > 0 {
		m.tokens.WithLabelValues(tier, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokens.WithLabelValues(tier, "completion").Add(float64(completion))
	}
}

// CacheLookup records one cache outcome: l1_hit, l2_hit, suggestion, miss.
func (m *Metrics) CacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

// TransitionDiscarded records one rejected transition proposal.
func (m *Metrics) TransitionDiscarded(from, to string) {
	m.discardedTransitions.WithLabelValues(from, to).Inc()
}

// ToolExecuted records one tool run.
func (m *Metrics) ToolExecuted(action, status string) {
	m.toolExecutions.WithLabelValues(action, status).Inc()
}

// SetBreakerState publishes the circuit breaker state.
func (m *Metrics) SetBreakerState(state float64) {
	m.breakerState.Set(state)
}

// DeferredTask records one background task status change.
func (m *Metrics) DeferredTask(status string) {
	m.deferredTasks.WithLabelValues(status).Inc()
}
