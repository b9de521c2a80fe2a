package app

import (
	"sync/atomic"

	"github.com/nuetzliches/docket/internal/worker"
)

// runtimeMetrics holds process-level counters exposed on /v1/stats.
type runtimeMetrics struct {
	jobsCompletedTotal atomic.Int64
	jobsDuplicateTotal atomic.Int64
	jobsRetriedTotal   atomic.Int64
	jobsDeadTotal      atomic.Int64
	jobsMalformedTotal atomic.Int64

	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{}
}

func (m *runtimeMetrics) observeOutcome(outcome worker.Outcome) {
	if m == nil {
		return
	}
	switch outcome {
	case worker.OutcomeCompleted:
		m.jobsCompletedTotal.Add(1)
	case worker.OutcomeDuplicate:
		m.jobsDuplicateTotal.Add(1)
	case worker.OutcomeRetry:
		m.jobsRetriedTotal.Add(1)
	case worker.OutcomeDead:
		m.jobsDeadTotal.Add(1)
	case worker.OutcomeMalformed:
		m.jobsMalformedTotal.Add(1)
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return map[string]any{
		"jobs_completed_total":  m.jobsCompletedTotal.Load(),
		"jobs_duplicate_total":  m.jobsDuplicateTotal.Load(),
		"jobs_retried_total":    m.jobsRetriedTotal.Load(),
		"jobs_dead_total":       m.jobsDeadTotal.Load(),
		"jobs_malformed_total":  m.jobsMalformedTotal.Load(),
		"tracing_enabled":       m.tracingEnabled.Load(),
		"tracing_init_failures": m.tracingInitFailuresTotal.Load(),
		"tracing_export_errors": m.tracingExportErrorsTotal.Load(),
	}
}
