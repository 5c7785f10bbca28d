// Package metrics provides Prometheus-based metrics collection for scanfleet.
// Every component reports through the Recorder interface so tests and
// embedders can swap in Nop.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all scanfleet metrics
	namespace = "scanfleet"

	// Subsystems
	subsystemScan     = "scan"
	subsystemSession  = "session"
	subsystemResolver = "resolver"
	subsystemSystem   = "system"
)

// Scan outcome label values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	targets      *prometheus.GaugeVec

	// Session metrics
	activeSessions  prometheus.Gauge
	sessionErrors   *prometheus.CounterVec
	sessionDestroys prometheus.Counter

	// Resolver metrics
	resolutionErrors *prometheus.CounterVec
	resolverCache    *prometheus.CounterVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

var _ Recorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initSessionMetrics()
	pm.initResolverMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initScanMetrics initializes per-target scan metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of finalized scans by stage and outcome",
		},
		[]string{"stage", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Wall time from claim to finalization in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
		[]string{"stage"},
	)

	pm.targets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "targets",
			Help:      "Number of targets enqueued for the current run",
		},
		[]string{"stage"},
	)
}

// initSessionMetrics initializes execution session metrics
func (pm *PrometheusMetrics) initSessionMetrics() {
	pm.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "active",
			Help:      "Number of currently active execution sessions",
		},
	)

	pm.sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "errors_total",
			Help:      "Total number of session errors by operation",
		},
		[]string{"operation"},
	)

	pm.sessionDestroys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "destroys_total",
			Help:      "Total number of session teardowns",
		},
	)
}

// initResolverMetrics initializes target resolution metrics
func (pm *PrometheusMetrics) initResolverMetrics() {
	pm.resolutionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResolver,
			Name:      "errors_total",
			Help:      "Total number of skipped scope entries by error code",
		},
		[]string{"code"},
	)

	pm.resolverCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResolver,
			Name:      "cache_lookups_total",
			Help:      "Name lookups served by the cache, by result",
		},
		[]string{"result"},
	)
}

// initSystemMetrics initializes system-related metrics
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.targets,
		pm.activeSessions,
		pm.sessionErrors,
		pm.sessionDestroys,
		pm.resolutionErrors,
		pm.resolverCache,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ObserveScan records a finalized scan and its duration.
func (pm *PrometheusMetrics) ObserveScan(stage, status string, duration time.Duration) {
	pm.scansTotal.WithLabelValues(stage, status).Inc()
	pm.scanDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetTargets sets the number of targets enqueued for a stage.
func (pm *PrometheusMetrics) SetTargets(stage string, count int) {
	pm.targets.WithLabelValues(stage).Set(float64(count))
}

// SetActiveSessions sets the number of active sessions.
func (pm *PrometheusMetrics) SetActiveSessions(count int) {
	pm.activeSessions.Set(float64(count))
}

// IncrementSessionErrors counts a failed session operation.
func (pm *PrometheusMetrics) IncrementSessionErrors(operation string) {
	pm.sessionErrors.WithLabelValues(operation).Inc()
}

// IncrementSessionDestroys counts a session teardown.
func (pm *PrometheusMetrics) IncrementSessionDestroys() {
	pm.sessionDestroys.Inc()
}

// IncrementResolutionErrors counts a skipped scope entry.
func (pm *PrometheusMetrics) IncrementResolutionErrors(code string) {
	pm.resolutionErrors.WithLabelValues(code).Inc()
}

// IncrementResolverCache counts a cache hit or miss.
func (pm *PrometheusMetrics) IncrementResolverCache(result string) {
	pm.resolverCache.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates updates system metrics until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
