// Package metrics exposes the Prometheus instruments of the job services.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds application-level instruments on a private registry
type Metrics struct {
	registry *prometheus.Registry

	jobsAdmitted     prometheus.Counter
	jobsDeduplicated prometheus.Counter
	transitions      *prometheus.CounterVec
	enqueueFailures  prometheus.Counter
	quotaRejections  prometheus.Counter
	quotaRefundedMb  prometheus.Counter
	jobsReaped       prometheus.Counter
	httpDuration     *prometheus.HistogramVec
}

// New registers every instrument under namespace
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		jobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_admitted_total",
			Help:      "Jobs persisted and charged by the admission controller.",
		}),
		jobsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduplicated_total",
			Help:      "Create requests answered with an existing job for the same idempotency key.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Applied job status transitions by target status.",
		}, []string{"status"}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Dispatch queue pushes that failed after the job was charged.",
		}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Requests rejected for insufficient daily quota.",
		}),
		quotaRefundedMb: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_refunded_mb_total",
			Help:      "Megabytes credited back to users.",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Stuck PROCESSING jobs failed by the reaper.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		m.jobsAdmitted,
		m.jobsDeduplicated,
		m.transitions,
		m.enqueueFailures,
		m.quotaRejections,
		m.quotaRefundedMb,
		m.jobsReaped,
		m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobAdmitted() {
	if m == nil {
		return
	}
	m.jobsAdmitted.Inc()
}

func (m *Metrics) JobDeduplicated() {
	if m == nil {
		return
	}
	m.jobsDeduplicated.Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) EnqueueFailed() {
	if m == nil {
		return
	}
	m.enqueueFailures.Inc()
}

func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

func (m *Metrics) QuotaRefunded(sizeMb int) {
	if m == nil {
		return
	}
	m.quotaRefundedMb.Add(float64(sizeMb))
}

func (m *Metrics) JobReaped() {
	if m == nil {
		return
	}
	m.jobsReaped.Inc()
}

// ObserveHTTP records one request's latency
func (m *Metrics) ObserveHTTP(method, route, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}
