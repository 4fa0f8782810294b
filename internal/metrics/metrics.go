// Package metrics provides Prometheus metrics for docvault runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_api_requests_total",
			Help: "Total number of remote API requests",
		},
		[]string{"endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docvault_api_request_duration_seconds",
			Help:    "Remote API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	apiRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_api_retries_total",
			Help: "Total retried remote calls by failure kind",
		},
		[]string{"kind"},
	)

	tokenAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_token_acquisitions_total",
			Help: "Total access token acquisitions",
		},
		[]string{"result"},
	)

	// Transfer metrics
	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_files_total",
			Help: "Files processed by outcome (copied, downloaded, failed)",
		},
		[]string{"outcome"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_bytes_total",
			Help: "Bytes written by outcome (copied, downloaded)",
		},
		[]string{"outcome"},
	)

	// Pipeline metrics
	projectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_projects_total",
			Help: "Projects processed by final status",
		},
		[]string{"status"},
	)

	enumerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docvault_enumeration_duration_seconds",
			Help:    "Time to enumerate one project tree",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	pipelineSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docvault_pipeline_seconds",
			Help: "Download stage time by phase (active, idle) for the current run",
		},
		[]string{"phase"},
	)

	runDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docvault_run_duration_seconds",
			Help: "Wall-clock duration of the last run",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_events_total",
			Help: "Run events published by type",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docvault_event_subscribers",
			Help: "Current number of run event subscribers",
		},
	)

	// Mirror and history metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docvault_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	historyWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvault_history_writes_total",
			Help: "Run history writes by backend and status",
		},
		[]string{"backend", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordAPIRequest records a remote API call. status is 0 for network failures.
func RecordAPIRequest(endpoint string, statusCode int, duration time.Duration) {
	s := "network_error"
	if statusCode != 0 {
		s = strconv.Itoa(statusCode)
	}
	apiRequestsTotal.WithLabelValues(endpoint, s).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetry records a retried call.
func RecordRetry(kind string) {
	apiRetriesTotal.WithLabelValues(kind).Inc()
}

// RecordTokenAcquisition records an access token exchange.
func RecordTokenAcquisition(success bool) {
	tokenAcquisitionsTotal.WithLabelValues(status(success)).Inc()
}

// RecordFile records a processed file.
func RecordFile(outcome string, bytes int64) {
	filesTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		bytesTotal.WithLabelValues(outcome).Add(float64(bytes))
	}
}

// RecordProject records a project's final status.
func RecordProject(status string) {
	projectsTotal.WithLabelValues(status).Inc()
}

// RecordEnumeration records the duration of one project enumeration.
func RecordEnumeration(duration time.Duration) {
	enumerationDuration.Observe(duration.Seconds())
}

// SetPipelineTimes sets the active and idle time of the download stage.
func SetPipelineTimes(active, idle time.Duration) {
	pipelineSeconds.WithLabelValues("active").Set(active.Seconds())
	pipelineSeconds.WithLabelValues("idle").Set(idle.Seconds())
}

// SetRunDuration sets the duration of the last run.
func SetRunDuration(d time.Duration) {
	runDuration.Set(d.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordHistoryWrite records a run history write.
func RecordHistoryWrite(backend string, success bool) {
	historyWritesTotal.WithLabelValues(backend, status(success)).Inc()
}

// RecordEvent records a published run event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the number of run event subscribers.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}
