// Package metrics exposes prometheus collectors for the coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "ceremony"

	subsystemCoordinator = "coordinator"
	subsystemHTTP        = "http"

	labelResult    = "result"
	labelRole      = "role"
	labelOperation = "operation"
	labelHandler   = "handler"
)

// Collector records coordinator operations.
type Collector struct {
	lockAttempts   *prometheus.CounterVec
	contributions  *prometheus.CounterVec
	storageErrors  *prometheus.CounterVec
	locksReclaimed prometheus.Counter
	commitDuration *prometheus.HistogramVec

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewCollector registers the coordinator collectors with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		lockAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "lock_attempts_total",
			Help:      "number of chunk lock attempts by result",
		}, []string{labelResult}),
		contributions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "contributions_total",
			Help:      "number of recorded contributions by role",
		}, []string{labelRole}),
		storageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "storage_failures_total",
			Help:      "number of chunk storage failures by operation",
		}, []string{labelOperation}),
		locksReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "locks_reclaimed_total",
			Help:      "number of expired locks released by the reaper",
		}),
		commitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "ledger_commit_seconds",
			Help:      "latency of ledger commits including persistence",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{labelResult}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "requests_total",
			Help:      "number of API requests by handler, method and status code",
		}, []string{labelHandler, "code", "method"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "request_duration_seconds",
			Help:      "latency of API requests by handler",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelHandler, "code", "method"}),
	}
}

// LockAttempt counts a lock attempt.
func (c *Collector) LockAttempt(granted bool) {
	result := "denied"
	if granted {
		result = "granted"
	}

	c.lockAttempts.WithLabelValues(result).Inc()
}

// Contribution counts a recorded contribution.
func (c *Collector) Contribution(role string) {
	c.contributions.WithLabelValues(role).Inc()
}

// StorageFailure counts a chunk storage failure.
func (c *Collector) StorageFailure(op string) {
	c.storageErrors.WithLabelValues(op).Inc()
}

// LocksReclaimed counts released expired locks.
func (c *Collector) LocksReclaimed(n int) {
	c.locksReclaimed.Add(float64(n))
}

// Commit observes a ledger commit.
func (c *Collector) Commit(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	c.commitDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Instrument wraps an API handler with request counting and latency tracking.
func (c *Collector) Instrument(handler string, h http.Handler) http.Handler {
	labels := prometheus.Labels{labelHandler: handler}

	return promhttp.InstrumentHandlerDuration(c.latency.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(c.requests.MustCurryWith(labels), h))
}

// Handler serves the metrics registered with gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
