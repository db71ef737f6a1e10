// Package metrics exposes Prometheus collectors for the sync client.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for operation results.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeConflict  = "conflict"
	OutcomeDeferred  = "deferred"
	OutcomeCancelled = "cancelled"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	drainCycles       *prometheus.CounterVec
	drainDuration     prometheus.Histogram
	operationsTotal   *prometheus.CounterVec
	pendingOperations prometheus.Gauge
	failedOperations  prometheus.Gauge
	online            prometheus.Gauge
	conflictsResolved *prometheus.CounterVec
	facadeWrites      *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every collector on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		drainCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gravity_sync_drain_cycles_total",
				Help: "Drain cycles by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		drainDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gravity_sync_drain_duration_seconds",
				Help:    "Duration of drain cycles",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gravity_sync_operations_total",
				Help: "Queued operations processed by entity, kind and outcome",
			},
			[]string{"entity", "kind", "outcome"},
		),
		pendingOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gravity_sync_pending_operations",
				Help: "Operations waiting in the queue",
			},
		),
		failedOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gravity_sync_failed_operations",
				Help: "Queued operations whose last attempt failed",
			},
		),
		online: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gravity_sync_online",
				Help: "1 when the remote is reachable",
			},
		),
		conflictsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gravity_sync_conflicts_resolved_total",
				Help: "Conflict resolutions by strategy",
			},
			[]string{"resolution"},
		),
		facadeWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gravity_sync_writes_total",
				Help: "Façade mutations by entity and path (remote or queued)",
			},
			[]string{"entity", "path"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gravity_sync_http_requests_total",
				Help: "Local control API requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gravity_sync_http_request_duration_seconds",
				Help:    "Duration of local control API requests",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveDrain records one completed drain cycle.
func (m *Metrics) ObserveDrain(trigger string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := OutcomeSuccess
	if failed {
		result = OutcomeFailure
	}
	m.drainCycles.WithLabelValues(trigger, result).Inc()
	m.drainDuration.Observe(duration.Seconds())
}

// TrackOperation counts one processed queue entry.
func (m *Metrics) TrackOperation(entity, kind, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(entity, kind, outcome).Inc()
}

// SetQueueDepth publishes the queue gauges.
func (m *Metrics) SetQueueDepth(pending, failed int64) {
	if m == nil {
		return
	}
	m.pendingOperations.Set(float64(pending))
	m.failedOperations.Set(float64(failed))
}

// SetOnline publishes reachability.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// TrackResolution counts one conflict resolution.
func (m *Metrics) TrackResolution(resolution string) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(resolution).Inc()
}

// TrackWrite counts one façade mutation and the path it took.
func (m *Metrics) TrackWrite(entity, path string) {
	if m == nil {
		return
	}
	m.facadeWrites.WithLabelValues(entity, path).Inc()
}

// Middleware records request counts and latency for the local control API.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
