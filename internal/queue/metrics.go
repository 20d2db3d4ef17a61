// Package queue metrics: Prometheus collectors for queue operations plus
// a local snapshot counter used by tests and the health endpoint.
package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks queue activity and mirrors it to Prometheus.
type Metrics struct {
	mu           sync.Mutex
	enqueued     int64
	fatal        int64
	peeked       int64
	acked        int64
	retried      int64
	deadLettered int64
	requeued     int64
	evicted      int64
	recovered    int64
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordEnqueued records a persisted report.
func (m *Metrics) RecordEnqueued(fatal bool) {
	m.mu.Lock()
	m.enqueued++
	if fatal {
		m.fatal++
	}
	m.mu.Unlock()
	sev := "recoverable"
	if fatal {
		sev = "fatal"
	}
	reportsEnqueued.WithLabelValues(sev).Inc()
}

// RecordPeeked records entries borrowed for a transmission batch.
func (m *Metrics) RecordPeeked(n int) {
	m.mu.Lock()
	m.peeked += int64(n)
	m.mu.Unlock()
	batchSize.Set(float64(n))
}

// RecordAcked records collector-confirmed removals.
func (m *Metrics) RecordAcked(n int) {
	m.mu.Lock()
	m.acked += int64(n)
	m.mu.Unlock()
	reportsAcked.Add(float64(n))
}

// RecordRetried records entries rescheduled with backoff.
func (m *Metrics) RecordRetried(n int) {
	m.mu.Lock()
	m.retried += int64(n)
	m.mu.Unlock()
	reportsRetried.Add(float64(n))
}

// RecordDeadLettered records entries moved to the dead-letter set.
func (m *Metrics) RecordDeadLettered(n int) {
	m.mu.Lock()
	m.deadLettered += int64(n)
	m.mu.Unlock()
	reportsDeadLettered.Add(float64(n))
}

// RecordRequeued records dead-letter entries re-driven manually.
func (m *Metrics) RecordRequeued(n int) {
	m.mu.Lock()
	m.requeued += int64(n)
	m.mu.Unlock()
	reportsRequeued.Add(float64(n))
}

// RecordEvicted records entries dropped to make room at capacity. The
// count itself is the visibility into loss.
func (m *Metrics) RecordEvicted(n int) {
	m.mu.Lock()
	m.evicted += int64(n)
	m.mu.Unlock()
	reportsEvicted.Add(float64(n))
}

// RecordRecovered records in-flight entries reset to pending on reopen.
func (m *Metrics) RecordRecovered(n int) {
	m.mu.Lock()
	m.recovered += int64(n)
	m.mu.Unlock()
	reportsRecovered.Add(float64(n))
}

// UpdateGauges refreshes depth gauges from current stats.
func (m *Metrics) UpdateGauges(pending, inflight, dead int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("inflight").Set(float64(inflight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// Snapshot returns current local counters.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"enqueued":      m.enqueued,
		"fatal":         m.fatal,
		"peeked":        m.peeked,
		"acked":         m.acked,
		"retried":       m.retried,
		"dead_lettered": m.deadLettered,
		"requeued":      m.requeued,
		"evicted":       m.evicted,
		"recovered":     m.recovered,
	}
}

var (
	reportsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_queue_enqueued_total",
			Help: "Total reports persisted to the durable queue",
		},
		[]string{"severity"},
	)

	reportsAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_queue_acked_total",
			Help: "Total reports acknowledged by the collector and removed",
		},
	)

	reportsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_queue_retried_total",
			Help: "Total reports rescheduled for retry with backoff",
		},
	)

	reportsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_queue_dead_lettered_total",
			Help: "Total reports moved to the dead-letter set",
		},
	)

	reportsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_queue_requeued_total",
			Help: "Total dead-letter reports re-driven manually",
		},
	)

	reportsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_queue_evicted_total",
			Help: "Total reports dropped by capacity eviction",
		},
	)

	reportsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_queue_recovered_total",
			Help: "Total in-flight reports recovered to pending on restart",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faultline_queue_depth",
			Help: "Current queue depth by state",
		},
		[]string{"state"},
	)

	batchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faultline_queue_batch_size",
			Help: "Size of the most recent transmission batch",
		},
	)
)
