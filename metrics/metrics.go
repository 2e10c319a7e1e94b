// Package metrics registers the Prometheus instruments shared across the
// client. Collectors are registered on the default registry; exposing them
// over HTTP is the host process's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PersonaRequestsTotal counts persona requests by persona and outcome.
	PersonaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machine_client_persona_requests_total",
		Help: "Persona requests processed, by persona and result status.",
	}, []string{"persona", "status"})

	// PersonaRequestDuration observes end-to-end persona request latency.
	PersonaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "machine_client_persona_request_duration_seconds",
		Help:    "Persona request duration from dispatch to response.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"persona"})

	// PersonaRetriesTotal counts retry attempts beyond the first.
	PersonaRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machine_client_persona_retries_total",
		Help: "Persona request retries, by persona.",
	}, []string{"persona"})

	// EngineStepsTotal counts executed workflow steps by type and status.
	EngineStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machine_client_engine_steps_total",
		Help: "Workflow steps executed, by step type and status.",
	}, []string{"type", "status"})

	// WorkflowAbortsTotal counts abort-path invocations.
	WorkflowAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "machine_client_workflow_aborts_total",
		Help: "Workflow abort-path invocations.",
	})

	// AbortPurgedEntries counts request-stream entries purged on abort.
	AbortPurgedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "machine_client_abort_purged_entries_total",
		Help: "Request-stream entries purged by the abort path.",
	})
)
