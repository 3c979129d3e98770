// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package metrics declares the Prometheus collectors exported on /metrics.
//
// Collectors are registered on the default registry through promauto and are
// grouped by component: the DuckDB store, the Logs API client, the storage
// controller, the scheduler, the orchestrator cycle and the circuit breaker.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logmirror_duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB statements in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_duckdb_query_errors_total",
			Help: "Total number of failed DuckDB statements",
		},
		[]string{"operation"},
	)

	// Logs API Metrics
	LogsAPIResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_logs_api_responses_total",
			Help: "Logs API export responses by outcome (ready, not_ready, rate_limited, too_large, error, transport)",
		},
		[]string{"table", "outcome"},
	)

	LogsAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logmirror_logs_api_request_duration_seconds",
			Help:    "Time until Logs API response headers arrive",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"table"},
	)

	LogsAPIRowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_logs_api_rows_fetched_total",
			Help: "CSV rows read from Logs API exports",
		},
		[]string{"table"},
	)

	LogsAPIPartsEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_logs_api_parts_escalations_total",
			Help: "Times an export was too large and the parts count was raised",
		},
		[]string{"source"},
	)

	LogsAPIPartsCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logmirror_logs_api_parts_count",
			Help: "Current minimum parts count per source",
		},
		[]string{"source"},
	)

	// Storage Metrics
	StorageRowsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_storage_rows_inserted_total",
			Help: "Rows inserted into partition tables after key deduplication",
		},
		[]string{"source"},
	)

	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_storage_operations_total",
			Help: "Storage controller operations (recreate, insert, archive, drift_reset)",
		},
		[]string{"source", "operation"},
	)

	// Scheduler Metrics
	SchedulerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_scheduler_requests_total",
			Help: "Update requests emitted by the scheduler by kind",
		},
		[]string{"kind"},
	)

	SchedulerTrackedDates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logmirror_scheduler_tracked_dates",
			Help: "Dates known to the sync state by status",
		},
		[]string{"status"},
	)

	StateSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_state_saves_total",
			Help: "Sync state persistence attempts by result",
		},
		[]string{"result"},
	)

	// Sync Cycle Metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logmirror_sync_cycle_duration_seconds",
			Help:    "Duration of one full sync cycle in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	SyncRequestsHandled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logmirror_sync_requests_handled_total",
			Help: "Update requests handled successfully",
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_sync_errors_total",
			Help: "Failed sync cycles by error type",
		},
		[]string{"error_type"},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logmirror_sync_last_success_timestamp",
			Help: "Unix timestamp of the last successful sync cycle",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logmirror_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result (success, failure, rejected)",
		},
		[]string{"name", "result"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_circuit_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTP Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logmirror_http_requests_total",
			Help: "Status server requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logmirror_http_request_duration_seconds",
			Help:    "Status server request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// RecordDBQuery records a database statement metric
func RecordDBQuery(operation string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordExportResponse records one Logs API response (or transport failure).
func RecordExportResponse(table, outcome string, duration time.Duration) {
	LogsAPIResponses.WithLabelValues(table, outcome).Inc()
	LogsAPIRequestDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordAPIRequest records a status server request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSyncCycle records a finished sync cycle. Errors are bucketed by the
// component named in the wrapped message.
func RecordSyncCycle(duration time.Duration, handled int, err error) {
	SyncDuration.Observe(duration.Seconds())
	SyncRequestsHandled.Add(float64(handled))
	if err != nil {
		SyncErrors.WithLabelValues(classifyError(err)).Inc()
		return
	}
	SyncLastSuccess.Set(float64(time.Now().Unix()))
}

func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case msg == "":
		return "unknown"
	case strings.Contains(msg, "context canceled"), strings.Contains(msg, "deadline exceeded"):
		return "canceled"
	case strings.Contains(msg, "logs api"):
		return "logs_api"
	case strings.Contains(msg, "sync state"):
		return "state"
	case strings.Contains(msg, "storage"), strings.Contains(msg, "duckdb"):
		return "storage"
	default:
		return "other"
	}
}
