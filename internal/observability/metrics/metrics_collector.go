// Package metrics provides Prometheus instrumentation for training runs.
// It defines the training-loop metric set (updates, skipped steps, losses,
// learning rate, gradient norm), checkpoint and heartbeat metrics, and
// exposes them over HTTP for scraping.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics Collector
// ============================================================================

// MetricsCollector manages Prometheus metrics collection
type MetricsCollector struct {
	// Prometheus registry
	registry *prometheus.Registry

	// Namespace for metrics
	namespace string

	// Subsystem for metrics
	subsystem string

	// Registered metrics
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec

	// GC count at the previous UpdateSystemMetrics call
	lastNumGC uint32

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Subsystem for metrics grouping
	Subsystem string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Enable process metrics
	EnableProcessMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// ============================================================================
// Collector Initialization
// ============================================================================

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg CollectorConfig) *MetricsCollector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	// Register default collectors if enabled
	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}

	if cfg.EnableProcessMetrics {
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	collector := &MetricsCollector{
		registry:   registry,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}

	// Register core training metrics
	collector.registerCoreMetrics()

	return collector
}

// ============================================================================
// Core Training Metrics Registration
// ============================================================================

// registerCoreMetrics registers all core training metrics
func (c *MetricsCollector) registerCoreMetrics() {
	// Training loop metrics
	c.RegisterCounter("train_updates_total", "Total number of applied parameter updates", nil)
	c.RegisterCounter("train_steps_skipped_total", "Total number of steps skipped without an update", []string{"reason"})
	c.RegisterGauge("train_epoch", "Current training epoch", nil)
	c.RegisterGauge("train_loss", "Smoothed loss of the most recent epoch", []string{"split"})
	c.RegisterGauge("train_learning_rate", "Current learning rate", nil)
	c.RegisterGauge("train_gradient_norm", "Gradient norm of the most recent update", nil)
	c.RegisterHistogram("train_step_duration_seconds", "Wall time of a single train step", nil, prometheus.DefBuckets)
	c.RegisterHistogram("train_epoch_duration_seconds", "Wall time of a full pass over a split", []string{"split"}, prometheus.ExponentialBuckets(1, 2, 12))
	c.RegisterSummary("train_update_sample_size", "Per-update sample size across all ranks", nil, map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001})

	// Validation metrics
	c.RegisterGauge("valid_auroc", "Macro AUROC of the most recent validation pass", nil)
	c.RegisterGauge("valid_best_auroc", "Best macro AUROC observed so far in the run", nil)

	// Checkpoint metrics
	c.RegisterCounter("checkpoint_saves_total", "Total number of checkpoint files written", []string{"kind"})
	c.RegisterCounter("checkpoint_save_errors_total", "Total number of failed checkpoint writes", nil)
	c.RegisterCounter("checkpoint_restores_total", "Total number of checkpoint restores", nil)
	c.RegisterHistogram("checkpoint_save_duration_seconds", "Checkpoint write duration in seconds", nil, prometheus.DefBuckets)

	// Distributed metrics
	c.RegisterGauge("distributed_world_size", "Number of workers participating in the run", nil)
	c.RegisterCounter("heartbeat_expirations_total", "Total number of heartbeat watchdog expirations", []string{"rank"})

	// System metrics
	c.RegisterGauge("system_goroutines_count", "Number of goroutines", nil)
	c.RegisterGauge("system_memory_alloc_bytes", "Allocated memory in bytes", nil)
	c.RegisterGauge("system_memory_sys_bytes", "System memory in bytes", nil)
	c.RegisterCounter("system_gc_runs_total", "Total garbage collection runs", nil)
}

// ============================================================================
// Counter Operations
// ============================================================================

// RegisterCounter registers a new counter metric
func (c *MetricsCollector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	counter := promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)

	c.counters[name] = counter
}

// IncrementCounter increments a counter by 1
func (c *MetricsCollector) IncrementCounter(name string, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	counter.With(labels).Inc()
}

// AddCounter adds a value to a counter
func (c *MetricsCollector) AddCounter(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	counter.With(labels).Add(value)
}

// ============================================================================
// Gauge Operations
// ============================================================================

// RegisterGauge registers a new gauge metric
func (c *MetricsCollector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	gauge := promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)

	c.gauges[name] = gauge
}

// SetGauge sets a gauge value
func (c *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Set(value)
}

// IncrementGauge increments a gauge by 1
func (c *MetricsCollector) IncrementGauge(name string, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Inc()
}

// DecrementGauge decrements a gauge by 1
func (c *MetricsCollector) DecrementGauge(name string, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Dec()
}

// ============================================================================
// Histogram Operations
// ============================================================================

// RegisterHistogram registers a new histogram metric
func (c *MetricsCollector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	histogram := promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)

	c.histograms[name] = histogram
}

// ObserveHistogram records a value in histogram
func (c *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	histogram.With(labels).Observe(value)
}

// ObserveDuration records duration in histogram
func (c *MetricsCollector) ObserveDuration(name string, start time.Time, labels prometheus.Labels) {
	duration := time.Since(start).Seconds()
	c.ObserveHistogram(name, duration, labels)
}

// ============================================================================
// Summary Operations
// ============================================================================

// RegisterSummary registers a new summary metric
func (c *MetricsCollector) RegisterSummary(name, help string, labels []string, objectives map[float64]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.summaries[name]; exists {
		return
	}

	summary := promauto.With(c.registry).NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  c.namespace,
			Subsystem:  c.subsystem,
			Name:       name,
			Help:       help,
			Objectives: objectives,
		},
		labels,
	)

	c.summaries[name] = summary
}

// ObserveSummary records a value in summary
func (c *MetricsCollector) ObserveSummary(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	summary, exists := c.summaries[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	summary.With(labels).Observe(value)
}

// ============================================================================
// HTTP Handler
// ============================================================================

// Handler returns HTTP handler for metrics exposition
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeHTTP implements http.Handler interface
func (c *MetricsCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.Handler().ServeHTTP(w, r)
}

// ============================================================================
// Training Recorders
// ============================================================================

// RecordUpdate records a completed parameter update
func (c *MetricsCollector) RecordUpdate(lr, gradNorm float64, sampleSize int, duration time.Duration) {
	c.IncrementCounter("train_updates_total", nil)
	c.SetGauge("train_learning_rate", lr, nil)
	c.SetGauge("train_gradient_norm", gradNorm, nil)
	c.ObserveHistogram("train_step_duration_seconds", duration.Seconds(), nil)
	c.ObserveSummary("train_update_sample_size", float64(sampleSize), nil)
}

// RecordSkippedStep records a step that produced no update
func (c *MetricsCollector) RecordSkippedStep(reason string) {
	c.IncrementCounter("train_steps_skipped_total", prometheus.Labels{
		"reason": reason,
	})
}

// SetEpoch records the epoch the run is currently in
func (c *MetricsCollector) SetEpoch(epoch int) {
	c.SetGauge("train_epoch", float64(epoch), nil)
}

// RecordLoss records the smoothed loss for a split
func (c *MetricsCollector) RecordLoss(split string, loss float64) {
	c.SetGauge("train_loss", loss, prometheus.Labels{
		"split": split,
	})
}

// RecordEpochDuration records the wall time of a full pass over a split
func (c *MetricsCollector) RecordEpochDuration(split string, duration time.Duration) {
	c.ObserveHistogram("train_epoch_duration_seconds", duration.Seconds(), prometheus.Labels{
		"split": split,
	})
}

// RecordValidation records the outcome of a validation pass
func (c *MetricsCollector) RecordValidation(auroc, bestAUROC float64) {
	c.SetGauge("valid_auroc", auroc, nil)
	c.SetGauge("valid_best_auroc", bestAUROC, nil)
}

// RecordCheckpointSave records a checkpoint write of the given kind
// (epoch-numbered, best, or last)
func (c *MetricsCollector) RecordCheckpointSave(kind string, duration time.Duration, err error) {
	if err != nil {
		c.IncrementCounter("checkpoint_save_errors_total", nil)
		return
	}

	c.IncrementCounter("checkpoint_saves_total", prometheus.Labels{
		"kind": kind,
	})
	c.ObserveHistogram("checkpoint_save_duration_seconds", duration.Seconds(), nil)
}

// RecordCheckpointRestore records a successful checkpoint restore
func (c *MetricsCollector) RecordCheckpointRestore() {
	c.IncrementCounter("checkpoint_restores_total", nil)
}

// SetWorldSize records the number of workers in the run
func (c *MetricsCollector) SetWorldSize(worldSize int) {
	c.SetGauge("distributed_world_size", float64(worldSize), nil)
}

// RecordHeartbeatExpiration records a watchdog expiration for a rank
func (c *MetricsCollector) RecordHeartbeatExpiration(rank int) {
	c.IncrementCounter("heartbeat_expirations_total", prometheus.Labels{
		"rank": fmt.Sprintf("%d", rank),
	})
}

// UpdateSystemMetrics refreshes the runtime gauges from the Go runtime
func (c *MetricsCollector) UpdateSystemMetrics() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	c.SetGauge("system_goroutines_count", float64(runtime.NumGoroutine()), nil)
	c.SetGauge("system_memory_alloc_bytes", float64(stats.Alloc), nil)
	c.SetGauge("system_memory_sys_bytes", float64(stats.Sys), nil)

	c.mu.Lock()
	delta := stats.NumGC - c.lastNumGC
	c.lastNumGC = stats.NumGC
	c.mu.Unlock()

	if delta > 0 {
		c.AddCounter("system_gc_runs_total", float64(delta), nil)
	}
}
