package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/agentstate/pkg/session"
)

// Metrics holds the agentstate collectors. Create one per registry.
type Metrics struct {
	registry prometheus.Gatherer

	storeSaves        *prometheus.CounterVec
	storeOpDuration   *prometheus.HistogramVec
	runtimeExecutions *prometheus.CounterVec
	runtimeEvents     *prometheus.CounterVec
	integrityErrors   prometheus.Counter
	verifyRuns        *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on a fresh registry that
// also carries the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWith(reg, reg)
}

// NewMetricsWith registers the collectors on reg and serves them from g.
func NewMetricsWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		registry: g,
		storeSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentstate_store_saves_total",
				Help: "Total number of session saves by outcome",
			},
			[]string{"backend", "result"},
		),
		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentstate_store_operation_duration_seconds",
				Help:    "Session store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "op"},
		),
		runtimeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentstate_runtime_executions_total",
				Help: "Total number of runtime executions by outcome",
			},
			[]string{"result"},
		),
		runtimeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentstate_runtime_events_total",
				Help: "Total number of session lifecycle events",
			},
			[]string{"type"},
		),
		integrityErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentstate_integrity_errors_total",
				Help: "Total number of unreadable persisted sessions encountered",
			},
		),
		verifyRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentstate_verify_runs_total",
				Help: "Total number of integrity scans by outcome",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(
		m.storeSaves,
		m.storeOpDuration,
		m.runtimeExecutions,
		m.runtimeEvents,
		m.integrityErrors,
		m.verifyRuns,
	)
	return m
}

// Handler returns an HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSave records a save outcome and its duration.
func (m *Metrics) RecordSave(backend string, res session.SaveResult, duration time.Duration) {
	m.storeSaves.WithLabelValues(backend, res.Outcome()).Inc()
	m.storeOpDuration.WithLabelValues(backend, "save").Observe(duration.Seconds())
	if res.IsFailure() {
		m.RecordError(res.Err())
	}
}

// RecordOperation records the duration of a non-save store operation.
func (m *Metrics) RecordOperation(backend, op string, duration time.Duration, err error) {
	m.storeOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	m.RecordError(err)
}

// RecordError counts err when it reports unreadable persisted data.
func (m *Metrics) RecordError(err error) {
	if errors.Is(err, session.ErrDataIntegrity) {
		m.integrityErrors.Inc()
	}
}

// RecordVerify records the outcome of an integrity scan.
func (m *Metrics) RecordVerify(err error) {
	result := "ok"
	if err != nil {
		result = "failure"
		m.RecordError(err)
	}
	m.verifyRuns.WithLabelValues(result).Inc()
}

// Publish implements session.EventSink. Saves and failures end an execution
// so they also count toward the executions total.
func (m *Metrics) Publish(_ context.Context, e session.Event) {
	m.runtimeEvents.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case session.EventSaved:
		m.runtimeExecutions.WithLabelValues("ok").Inc()
	case session.EventSaveFailed:
		if errors.Is(e.Err, session.ErrConflict) {
			m.runtimeExecutions.WithLabelValues("conflict").Inc()
		} else {
			m.runtimeExecutions.WithLabelValues("failure").Inc()
		}
	case session.EventLoadFailed, session.EventActionFailed:
		m.runtimeExecutions.WithLabelValues("failure").Inc()
	}
}
