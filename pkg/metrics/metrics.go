// Package metrics exposes Prometheus metrics for pipeline orchestration.
//
// # Basic Usage
//
//	// Count a start call and its outcome
//	metrics.Operations.WithLabelValues("start", "success").Inc()
//
//	// Time a phase
//	timer := metrics.NewTimer("full_load")
//	result, err := coordinator.Run(ctx, p, src, dst)
//	timer.ObservePhase(err)
//
//	// Track full-load throughput for one table
//	tracker := metrics.NewThroughputTracker("postgresql", "s3")
//	tracker.Increment(int64(len(page.Rows)))
//	rowsPerSec := tracker.GetAndReset()
//
// All vectors are registered on the default registry through promauto and are
// served by promhttp when the CLI enables the metrics endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// Operations counts orchestrator calls.
	// Labels: operation (start/stop/pause/status), result (success/failure)
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_operations_total",
			Help: "Total number of orchestrator operations",
		},
		[]string{"operation", "result"},
	)

	// PhaseDuration tracks how long each orchestration phase takes in seconds.
	// Labels: phase (schema/full_load/source_connector/topics/sink_connector), result
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_cdc_phase_duration_seconds",
			Help:    "Duration of orchestration phases in seconds",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"phase", "result"},
	)

	// FullLoadRows counts rows written by the transfer coordinator.
	// Labels: source (family), shape (relational/object_store/envelope)
	FullLoadRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_full_load_rows_total",
			Help: "Rows transferred during full load",
		},
		[]string{"source", "shape"},
	)

	// FullLoadTables counts per-table transfer outcomes.
	// Labels: result (success/failure)
	FullLoadTables = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_full_load_tables_total",
			Help: "Tables processed during full load",
		},
		[]string{"result"},
	)

	// Throughput is the last measured full-load rate in rows per second
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_cdc_full_load_rows_per_second",
			Help: "Full-load throughput in rows per second",
		},
		[]string{"source", "destination"},
	)

	// ConnectorActions counts reconciler decisions.
	// Labels: role (source/sink), action (reused/restarted/resumed/created/recreated)
	ConnectorActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_connector_actions_total",
			Help: "Connector reconciliation actions",
		},
		[]string{"role", "action"},
	)

	// Warnings counts non-fatal reconciliation warnings by kind
	Warnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_warnings_total",
			Help: "Non-fatal warnings raised during orchestration",
		},
		[]string{"kind"},
	)

	// PersistenceFailures counts tolerated status write failures
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_persistence_failures_total",
			Help: "Status writes that failed and were tolerated",
		},
		[]string{"store"},
	)

	// ControlRequests counts calls to the connector control service.
	// Labels: method (HTTP verb), code (HTTP status or "error")
	ControlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_cdc_control_requests_total",
			Help: "Requests sent to the connector control service",
		},
		[]string{"method", "code"},
	)

	// ControlLatency tracks connector control request latency in seconds
	ControlLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prometheus.BuildFQName("nebula_cdc", "control", "request_duration_seconds"),
			Help:    "Connector control request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Timer provides a simple timing mechanism for measuring phase durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObservePhase records the elapsed time in PhaseDuration under the timer's name
func (t *Timer) ObservePhase(err error) time.Duration {
	d := t.Stop()
	PhaseDuration.WithLabelValues(t.name, Result(err)).Observe(d.Seconds())
	return d
}

// Result maps an error to a result label
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// ThroughputTracker tracks rows per second over a window. Safe for concurrent use.
type ThroughputTracker struct {
	mu          sync.Mutex
	count       int64
	lastReset   time.Time
	source      string
	destination string
}

// NewThroughputTracker creates a tracker labelled with the transfer endpoints
func NewThroughputTracker(source, destination string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset:   time.Now(),
		source:      source,
		destination: destination,
	}
}

// Increment adds n to the row count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset computes the current rate, publishes it, and starts a new window
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.source, t.destination).Set(throughput)

	return throughput
}

// Handler serves the default registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
