package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ScanMetrics contains Prometheus metrics for the scan pipeline.
type ScanMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec

	findingsPerScan  prometheus.Histogram
	skippedLines     prometheus.Counter
	detectorInflight prometheus.Gauge
	cacheLookups     *prometheus.CounterVec
	historyRecords   prometheus.Gauge
}

// NewScanMetrics creates and registers scan metrics.
func NewScanMetrics(registry *prometheus.Registry) (*ScanMetrics, error) {
	m := &ScanMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register scan metrics: %w", err)
	}
	return m, nil
}

func (m *ScanMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayscan_operations_total",
			Help: "Total number of scan operations",
		},
		[]string{"operation", "status"}, // operation: upload, detect, save; status: success, error
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xrayscan_operation_duration_seconds",
			Help:    "Time taken by scan operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount20), // 1ms to ~9min
		},
		[]string{"operation"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayscan_errors_total",
			Help: "Total number of scan operation errors",
		},
		[]string{"operation", "error_type"}, // error_type: error category
	)

	m.findingsPerScan = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "xrayscan_findings_per_scan",
		Help:    "Number of findings produced by a detection",
		Buckets: findingsBuckets,
	})

	m.skippedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrayscan_parser_skipped_lines_total",
		Help: "Total number of malformed label lines skipped by the parser",
	})

	m.detectorInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xrayscan_detector_inflight",
		Help: "Number of detections currently running",
	})

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrayscan_detection_cache_lookups_total",
			Help: "Detection cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	m.historyRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xrayscan_history_records",
		Help: "Number of records returned by the last history read",
	})
}

func (m *ScanMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.errorsTotal,
		m.findingsPerScan,
		m.skippedLines,
		m.detectorInflight,
		m.cacheLookups,
		m.historyRecords,
	}
}

// Describe implements the Collector interface.
func (m *ScanMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface.
func (m *ScanMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// RecordOperation implements Recorder.
func (m *ScanMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *ScanMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *ScanMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordFindings records the outcome of parsing one labels file.
func (m *ScanMetrics) RecordFindings(findings, skipped int) {
	m.findingsPerScan.Observe(float64(findings))
	if skipped > 0 {
		m.skippedLines.Add(float64(skipped))
	}
}

// DetectionStarted increments the in-flight gauge; call the returned func when done.
func (m *ScanMetrics) DetectionStarted() func() {
	m.detectorInflight.Inc()
	return m.detectorInflight.Dec
}

// RecordCacheLookup records a detection cache hit or miss.
func (m *ScanMetrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// SetHistoryRecords records the size of the last history read.
func (m *ScanMetrics) SetHistoryRecords(n int) {
	m.historyRecords.Set(float64(n))
}

var _ Recorder = (*ScanMetrics)(nil)
