package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	snapshotLookups *prometheus.CounterVec
	snapshotLatency *prometheus.HistogramVec
	snapshotHitRate prometheus.Gauge

	batchItems          *prometheus.CounterVec
	batchItemDuration   *prometheus.HistogramVec
	batchesFinished     *prometheus.CounterVec
	batchesRunning      prometheus.Gauge
	workflowDecisions   *prometheus.CounterVec
	workflowEscalations prometheus.Counter
	waitlistChanges     *prometheus.CounterVec

	snapshotHits    uint64
	snapshotLookupN uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	snapshotLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_snapshot_cache_lookups_total",
		Help: "Terminal bulk operation snapshot lookups, by result",
	}, []string{"result"})

	snapshotLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_snapshot_cache_seconds",
		Help:    "Latency of snapshot cache calls, by call",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"call"})

	snapshotHitRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulk_snapshot_cache_hit_ratio",
		Help: "Share of snapshot lookups answered from the cache",
	})

	batchItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_operation_items_total",
		Help: "Bulk operation items executed, by operation type and outcome",
	}, []string{"type", "outcome"})

	batchItemDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_operation_item_duration_seconds",
		Help:    "Executor latency per bulk operation item",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	batchesFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_operations_finished_total",
		Help: "Bulk operations that reached a terminal state",
	}, []string{"status"})

	batchesRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulk_operations_running",
		Help: "Bulk operations currently dispatching in this process",
	})

	workflowDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_decisions_total",
		Help: "Approval decisions recorded, by entity type and decision",
	}, []string{"entity_type", "decision"})

	workflowEscalations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workflow_escalations_total",
		Help: "Workflow instances flagged for escalation",
	})

	waitlistChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "waitlist_changes_total",
		Help: "Waitlist mutations, by action",
	}, []string{"action"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, snapshotLookups, snapshotLatency, snapshotHitRate,
		batchItems, batchItemDuration, batchesFinished, batchesRunning, workflowDecisions, workflowEscalations,
		waitlistChanges, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:            registry,
		handler:             handler,
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		snapshotLookups:     snapshotLookups,
		snapshotLatency:     snapshotLatency,
		snapshotHitRate:     snapshotHitRate,
		batchItems:          batchItems,
		batchItemDuration:   batchItemDuration,
		batchesFinished:     batchesFinished,
		batchesRunning:      batchesRunning,
		workflowDecisions:   workflowDecisions,
		workflowEscalations: workflowEscalations,
		waitlistChanges:     waitlistChanges,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordSnapshotLookup counts one snapshot cache lookup. result is hit, miss
// or error; only hits and misses move the hit ratio.
func (m *MetricsService) RecordSnapshotLookup(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.snapshotLookups.WithLabelValues(result).Inc()
	m.snapshotLatency.WithLabelValues("lookup").Observe(duration.Seconds())
	switch result {
	case "hit":
		atomic.AddUint64(&m.snapshotHits, 1)
	case "miss":
	default:
		return
	}
	total := atomic.AddUint64(&m.snapshotLookupN, 1)
	m.snapshotHitRate.Set(float64(atomic.LoadUint64(&m.snapshotHits)) / float64(total))
}

// ObserveSnapshotStore tracks cache writes.
func (m *MetricsService) ObserveSnapshotStore(duration time.Duration) {
	if m == nil {
		return
	}
	m.snapshotLatency.WithLabelValues("store").Observe(duration.Seconds())
}

// ObserveBatchItem records one executed work item.
func (m *MetricsService) ObserveBatchItem(opType string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	m.batchItems.WithLabelValues(opType, outcome).Inc()
	m.batchItemDuration.WithLabelValues(opType).Observe(duration.Seconds())
}

// BatchDispatchStarted and BatchDispatchStopped bracket one dispatch run.
func (m *MetricsService) BatchDispatchStarted() {
	if m == nil {
		return
	}
	m.batchesRunning.Inc()
}

func (m *MetricsService) BatchDispatchStopped() {
	if m == nil {
		return
	}
	m.batchesRunning.Dec()
}

// RecordBatchOutcome counts a batch reaching a terminal status.
func (m *MetricsService) RecordBatchOutcome(status string) {
	if m == nil {
		return
	}
	m.batchesFinished.WithLabelValues(status).Inc()
}

// RecordWorkflowDecision counts an approver verdict.
func (m *MetricsService) RecordWorkflowDecision(entityType, decision string) {
	if m == nil {
		return
	}
	m.workflowDecisions.WithLabelValues(entityType, decision).Inc()
}

// RecordEscalation counts a flagged workflow instance.
func (m *MetricsService) RecordEscalation() {
	if m == nil {
		return
	}
	m.workflowEscalations.Inc()
}

// RecordWaitlistChange counts join, promote and leave actions.
func (m *MetricsService) RecordWaitlistChange(action string) {
	if m == nil {
		return
	}
	m.waitlistChanges.WithLabelValues(action).Inc()
}

// TrackQueue exports the number of job ids held by a named queue.
func (m *MetricsService) TrackQueue(name string, inFlight func() int) {
	if m == nil || inFlight == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "job_queue_in_flight",
		Help:        "Jobs queued, running or waiting to retry",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 {
		return float64(inFlight())
	}))
}
