// Package metrics collects and exposes orchestration metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus registry and the orchestration metric
// families.
type Collector struct {
	registry *prometheus.Registry

	requestsAdmitted   *prometheus.CounterVec
	requestsFinished   *prometheus.CounterVec
	assignments        *prometheus.CounterVec
	responsesDropped   *prometheus.CounterVec
	advanceDuration    prometheus.Histogram
	selectionLatency   prometheus.Histogram
	workersKnown       prometheus.Gauge
	workersHealthy     prometheus.Gauge
	pendingDispatches  *prometheus.GaugeVec
}

// NewCollector creates a collector with a fresh registry.
func NewCollector(serviceName string) *Collector {
	labels := prometheus.Labels{"service": serviceName}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrator_requests_admitted_total",
			Help:        "Requests accepted by the admission surface",
			ConstLabels: labels,
		}, []string{"workflow"}),
		requestsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrator_requests_finished_total",
			Help:        "Requests reaching a terminal state",
			ConstLabels: labels,
		}, []string{"workflow", "status"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrator_assignments_total",
			Help:        "Assignment outcomes by worker type",
			ConstLabels: labels,
		}, []string{"worker_type", "outcome"}),
		responsesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrator_responses_dropped_total",
			Help:        "Worker responses dropped during correlation",
			ConstLabels: labels,
		}, []string{"reason"}),
		advanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "orchestrator_scheduler_advance_seconds",
			Help:        "Duration of one workflow advance",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		selectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "orchestrator_worker_selection_seconds",
			Help:        "Worker selection latency",
			ConstLabels: labels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		workersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "orchestrator_workers_known",
			Help:        "Discovered worker instances",
			ConstLabels: labels,
		}),
		workersHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "orchestrator_workers_healthy",
			Help:        "Worker instances passing health probes",
			ConstLabels: labels,
		}),
		pendingDispatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "orchestrator_pending_dispatches",
			Help:        "Ready steps awaiting a worker, per worker type",
			ConstLabels: labels,
		}, []string{"worker_type"}),
	}

	c.registry.MustRegister(
		c.requestsAdmitted,
		c.requestsFinished,
		c.assignments,
		c.responsesDropped,
		c.advanceDuration,
		c.selectionLatency,
		c.workersKnown,
		c.workersHealthy,
		c.pendingDispatches,
	)
	return c
}

// Handler returns the exposition endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestAdmitted counts an admission.
func (c *Collector) RequestAdmitted(workflow string) {
	c.requestsAdmitted.WithLabelValues(workflow).Inc()
}

// RequestFinished counts a terminal transition.
func (c *Collector) RequestFinished(workflow, status string) {
	c.requestsFinished.WithLabelValues(workflow, status).Inc()
}

// AssignmentOutcome counts dispatched/succeeded/failed/timed_out.
func (c *Collector) AssignmentOutcome(workerType, outcome string) {
	c.assignments.WithLabelValues(workerType, outcome).Inc()
}

// ResponseDropped counts an uncorrelatable response.
func (c *Collector) ResponseDropped(reason string) {
	c.responsesDropped.WithLabelValues(reason).Inc()
}

// ObserveAdvance records one scheduler advance duration.
func (c *Collector) ObserveAdvance(d time.Duration) {
	c.advanceDuration.Observe(d.Seconds())
}

// ObserveSelection records one worker selection latency.
func (c *Collector) ObserveSelection(d time.Duration) {
	c.selectionLatency.Observe(d.Seconds())
}

// SetWorkerCounts updates the discovery gauges.
func (c *Collector) SetWorkerCounts(known, healthy int) {
	c.workersKnown.Set(float64(known))
	c.workersHealthy.Set(float64(healthy))
}

// SetPendingDispatches updates the backlog gauge for a worker type.
func (c *Collector) SetPendingDispatches(workerType string, n int) {
	c.pendingDispatches.WithLabelValues(workerType).Set(float64(n))
}
