// Package metrics exposes Prometheus collectors for scans, file operations,
// database maintenance and the HTTP API.
//
// Collectors are usable before Init; Init registers them so /metrics serves them.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "diskexplorer"

var (
	// RequestCounter counts HTTP requests by route and status.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration observes HTTP request latency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ScanJobs counts finished scan jobs.
	ScanJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_jobs_total",
			Help:      "Scan jobs by mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	// ScanDuration observes how long scans take from start to terminal state.
	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Scan job duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		},
		[]string{"mode"},
	)

	// ActiveScans is the number of jobs currently scanning.
	ActiveScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scans",
			Help:      "Number of scan jobs in progress",
		},
	)

	// CacheLookups counts history cache decisions: hit, miss or changed.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_lookups_total",
			Help:      "History cache lookups by result",
		},
		[]string{"result"},
	)

	// FilesProcessed counts files that went through metadata extraction.
	FilesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Files processed by the extraction pool",
		},
	)

	// BytesProcessed sums the size of processed files.
	BytesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_processed_total",
			Help:      "Bytes of file content processed by the extraction pool",
		},
	)

	// ExtractionFailures counts per-file failures by stage (hash, phash, video).
	ExtractionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_failures_total",
			Help:      "Per-file metadata extraction failures by stage",
		},
		[]string{"stage"},
	)

	// FileOperations counts per-path outcomes of delete, move and rename.
	FileOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operations_total",
			Help:      "File operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// MaintenanceRuns counts database maintenance tasks.
	MaintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Database maintenance runs by task and result",
		},
		[]string{"task", "result"},
	)

	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

// Init registers every collector. Runtime and process collectors are added
// when runtimeMetrics is set. Calls after the first are no-ops.
func Init(runtimeMetrics bool) {
	registerOnce.Do(func() {
		if runtimeMetrics {
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		registry.MustRegister(
			RequestCounter,
			RequestDuration,
			ScanJobs,
			ScanDuration,
			ActiveScans,
			CacheLookups,
			FilesProcessed,
			BytesProcessed,
			ExtractionFailures,
			FileOperations,
			MaintenanceRuns,
		)
	})
}

// Registry returns the Prometheus registry.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RequestCounter.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveMaintenance records the result of a maintenance task.
func ObserveMaintenance(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MaintenanceRuns.WithLabelValues(task, result).Inc()
}
