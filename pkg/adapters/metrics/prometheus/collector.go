package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	sessionsSubmitted prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	dispatches        prometheus.Counter
	dispatchFailures  prometheus.Counter
	droppedEvents     *prometheus.CounterVec
	workersEvicted    prometheus.Counter

	queueDepth  prometheus.Gauge
	workersIdle prometheus.Gauge
	workersBusy prometheus.Gauge

	queueWaitTime   prometheus.Histogram
	sessionDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		sessionsSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dago_sessions_submitted_total",
				Help: "Total number of queries submitted",
			},
		),
		sessionsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dago_sessions_completed_total",
				Help: "Total number of sessions that reached a terminal status",
			},
			[]string{"status"},
		),
		dispatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dago_dispatches_total",
				Help: "Total number of tasks assigned to workers",
			},
		),
		dispatchFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dago_dispatch_failures_total",
				Help: "Total number of dispatch events that could not be published",
			},
		),
		droppedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dago_dropped_events_total",
				Help: "Total number of inbound events discarded",
			},
			[]string{"topic", "reason"},
		),
		workersEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dago_workers_evicted_total",
				Help: "Total number of workers evicted for missing heartbeats",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dago_queue_depth",
				Help: "Current number of queued tasks",
			},
		),
		workersIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dago_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dago_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		queueWaitTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dago_queue_wait_time_seconds",
				Help:    "Time spent waiting in queue",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dago_session_duration_seconds",
				Help:    "Time from assignment to completion in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
	}
}

// RecordSessionSubmitted counts a new query
func (c *Collector) RecordSessionSubmitted() {
	c.sessionsSubmitted.Inc()
}

// RecordSessionCompleted counts a terminal session and its duration
func (c *Collector) RecordSessionCompleted(status string, duration time.Duration) {
	c.sessionsCompleted.WithLabelValues(status).Inc()
	c.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDispatch counts an assignment
func (c *Collector) RecordDispatch() {
	c.dispatches.Inc()
}

// RecordDispatchFailure counts a dispatch that never reached the bus
func (c *Collector) RecordDispatchFailure() {
	c.dispatchFailures.Inc()
}

// RecordQueueWait records how long a task waited for a worker
func (c *Collector) RecordQueueWait(duration time.Duration) {
	c.queueWaitTime.Observe(duration.Seconds())
}

// RecordDroppedEvent counts a malformed or rejected inbound event
func (c *Collector) RecordDroppedEvent(topic, reason string) {
	c.droppedEvents.WithLabelValues(topic, reason).Inc()
}

// SetQueueDepth sets the current queue depth
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetWorkerCounts records worker pool status
func (c *Collector) SetWorkerCounts(idle, busy int) {
	c.workersIdle.Set(float64(idle))
	c.workersBusy.Set(float64(busy))
}

// RecordWorkerEvicted counts a worker removed by the liveness sweep
func (c *Collector) RecordWorkerEvicted() {
	c.workersEvicted.Inc()
}
