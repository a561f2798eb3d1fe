// Package metrics provides Prometheus metrics for bulk transfer jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ds3bulk"

// Metrics holds the collectors updated by the allocator and the executor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Part metrics, labelled by direction (put/get).
	PartsTransferred *prometheus.CounterVec
	BytesTransferred *prometheus.CounterVec
	PartRetries      *prometheus.CounterVec
	PartFailures     *prometheus.CounterVec
	InFlightParts    prometheus.Gauge

	// Allocation metrics
	AllocationRounds  prometheus.Counter
	AllocationRetries prometheus.Counter

	// Jobs by final status.
	JobsFinished *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg registers nothing, which
// keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PartsTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parts_transferred_total",
			Help:      "Total number of parts moved successfully",
		}, []string{"direction"}),
		BytesTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total number of payload bytes moved",
		}, []string{"direction"}),
		PartRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_retries_total",
			Help:      "Total number of part transfer retries",
		}, []string{"direction"}),
		PartFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_failures_total",
			Help:      "Total number of parts that exhausted their attempts",
		}, []string{"direction"}),
		InFlightParts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_parts",
			Help:      "Number of part transfers currently running",
		}),
		AllocationRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_rounds_total",
			Help:      "Total number of allocation calls that returned chunks",
		}),
		AllocationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_retries_total",
			Help:      "Total number of not-ready answers that were waited out",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of transfer calls by final job status",
		}, []string{"status"}),
	}
}

func (m *Metrics) PartDone(direction string, bytes int64) {
	if m == nil {
		return
	}

	m.PartsTransferred.WithLabelValues(direction).Inc()
	m.BytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) PartRetried(direction string) {
	if m == nil {
		return
	}

	m.PartRetries.WithLabelValues(direction).Inc()
}

func (m *Metrics) PartFailed(direction string) {
	if m == nil {
		return
	}

	m.PartFailures.WithLabelValues(direction).Inc()
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}

	m.InFlightParts.Add(float64(delta))
}

func (m *Metrics) AllocationRound() {
	if m == nil {
		return
	}

	m.AllocationRounds.Inc()
}

func (m *Metrics) AllocationRetry() {
	if m == nil {
		return
	}

	m.AllocationRetries.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}

	m.JobsFinished.WithLabelValues(status).Inc()
}
