// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the orchestrator's prometheus metrics: worker call
// traffic, restarts, lock contention and session outcomes.
type Collector struct {
	registry *prometheus.Registry

	workerCallsTotal   *prometheus.CounterVec
	workerCallDuration *prometheus.HistogramVec
	workerRestarts     *prometheus.CounterVec
	lockWaitDuration   *prometheus.HistogramVec
	nodeTransitions    *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	iterations         *prometheus.HistogramVec
}

// NewCollector builds a collector backed by its own registry, so multiple
// instances (tests, embedded use) never fight over global registration.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

	c.workerCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_calls_total",
			Help:      "Total number of worker calls",
		},
		[]string{"worker", "operation", "status"}, // status: ok, tool_error, timeout, connection_error
	)

	c.workerCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_call_duration_seconds",
			Help:      "Worker call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"worker", "operation"},
	)

	c.workerRestarts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of worker subprocess restarts",
		},
		[]string{"worker", "reason"}, // reason: unresponsive, pipe_broken
	)

	c.lockWaitDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_duration_seconds",
			Help:      "Time spent waiting for a worker-class lock",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	c.nodeTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Total number of routing state transitions",
		},
		[]string{"from", "to"},
	)

	c.sessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished sessions",
		},
		[]string{"outcome"}, // outcome: completed, failed
	)

	c.iterations = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_iterations",
			Help:      "Planning iterations consumed per session",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"outcome"},
	)

	return c
}

// Registry exposes the backing registry for an HTTP handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordWorkerCall records one finished call.
func (c *Collector) RecordWorkerCall(worker, operation, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workerCallsTotal.WithLabelValues(worker, operation, status).Inc()
	c.workerCallDuration.WithLabelValues(worker, operation).Observe(duration.Seconds())
}

// RecordWorkerRestart records one subprocess restart.
func (c *Collector) RecordWorkerRestart(worker, reason string) {
	if c == nil {
		return
	}
	c.workerRestarts.WithLabelValues(worker, reason).Inc()
}

// RecordLockWait records how long a caller waited for a class lock.
func (c *Collector) RecordLockWait(resource string, duration time.Duration) {
	if c == nil {
		return
	}
	c.lockWaitDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// RecordTransition records one routing state transition.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(from, to).Inc()
}

// RecordSession records a finished session and the iterations it consumed.
func (c *Collector) RecordSession(outcome string, iterations int) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(outcome).Inc()
	c.iterations.WithLabelValues(outcome).Observe(float64(iterations))
}
