// internal/utils/metrics.go
package utils

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric - using atomic operations for thread-safe value updates
type Counter struct {
	name  string
	value int64
}

// Gauge metric - using atomic operations for thread-safe value updates
type Gauge struct {
	name  string
	value int64
}

// Histogram metric (count, sum, min, max)
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector returns an empty collector. Tests use their own.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

func (m *MetricsCollector) counter(name string) *Counter {
	// Fast path for existing counters
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()
	if exists {
		return counter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	counter, exists = m.counters[name]
	if !exists {
		counter = &Counter{name: name}
		m.counters[name] = counter
	}
	return counter
}

func (m *MetricsCollector) gauge(name string) *Gauge {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()
	if exists {
		return gauge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	gauge, exists = m.gauges[name]
	if !exists {
		gauge = &Gauge{name: name}
		m.gauges[name] = gauge
	}
	return gauge
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(&m.counter(name).value, 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(&m.counter(name).value, value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(&m.gauge(name).value, value)
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(&m.gauge(name).value, 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(&m.gauge(name).value, -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(&gauge.value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{name: name, min: value, max: value}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value
	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]interface{})

	counters := make(map[string]int64)
	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(&counter.value)
	}
	metrics["counters"] = counters

	gauges := make(map[string]int64)
	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(&gauge.value)
	}
	metrics["gauges"] = gauges

	// histograms still need the mutex for min/max consistency
	histograms := make(map[string]map[string]int64)
	for name, histogram := range m.histograms {
		histogram.mu.Lock()
		histograms[name] = map[string]int64{
			"count": histogram.count,
			"sum":   histogram.sum,
			"min":   histogram.min,
			"max":   histogram.max,
		}
		histogram.mu.Unlock()
	}
	metrics["histograms"] = histograms

	return metrics
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(&counter.value)
}

// InferenceMetrics records session-level inference metrics
type InferenceMetrics struct {
	metrics *MetricsCollector
	logger  *zap.Logger
}

// NewInferenceMetrics creates an inference metrics recorder on the given collector
func NewInferenceMetrics(metrics *MetricsCollector, logger *zap.Logger) *InferenceMetrics {
	if metrics == nil {
		metrics = GetMetricsCollector()
	}
	if logger == nil {
		logger = GetLogger()
	}
	return &InferenceMetrics{metrics: metrics, logger: logger}
}

// RecordJob records one completed session job
func (im *InferenceMetrics) RecordJob(kind string, duration time.Duration, err error) {
	im.metrics.IncrementCounter("inference." + kind)
	im.metrics.RecordHistogram("inference.job_ms", duration.Milliseconds())
	if err != nil {
		im.metrics.IncrementCounter("inference." + kind + ".errors")
	}
	im.logger.Debug("inference job completed",
		zap.String("kind", kind),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.Error(err))
}

// RecordTokens records generated tokens
func (im *InferenceMetrics) RecordTokens(n int) {
	im.metrics.AddCounter("inference.tokens", int64(n))
}

// RecordRetry records a retried attempt
func (im *InferenceMetrics) RecordRetry() {
	im.metrics.IncrementCounter("inference.retry")
}

// RecordSessionReuse records the outcome of a session lookup
func (im *InferenceMetrics) RecordSessionReuse(reused, needDecode bool) {
	switch {
	case !reused:
		im.metrics.IncrementCounter("inference.session.created")
	case needDecode:
		im.metrics.IncrementCounter("inference.session.resynced")
	default:
		im.metrics.IncrementCounter("inference.session.reused")
	}
}
