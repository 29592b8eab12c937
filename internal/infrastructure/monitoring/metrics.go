package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (admin API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// IPC metrics
	IPCOps        *prometheus.CounterVec
	IPCDuration   *prometheus.HistogramVec
	IPCBytes      *prometheus.CounterVec
	HandlesActive prometheus.Gauge
	SignalsRaised *prometheus.CounterVec

	// Fault metrics
	Violations *prometheus.CounterVec
	Resets     prometheus.Counter

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	registry *prometheus.Registry

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	Connects      int64 `json:"connects"`
	Calls         int64 `json:"calls"`
	Closes        int64 `json:"closes"`
	Violations    int64 `json:"violations"`
	Resets        int64 `json:"resets"`
	HandlesActive int64 `json:"handles_active"`
}

// NewMetrics creates a metrics collector on its own registry, so several
// partition managers can coexist in one process (tests do this).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spm_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		IPCOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_ipc_operations_total",
				Help: "Total number of completed IPC operations",
			},
			[]string{"op", "result"},
		),
		IPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spm_ipc_duration_seconds",
				Help:    "Time from delivery to end of an IPC message",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"op"},
		),
		IPCBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_ipc_bytes_total",
				Help: "Bytes moved across the partition boundary",
			},
			[]string{"direction"},
		),
		HandlesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spm_handles_active",
				Help: "Number of connecting or active handles",
			},
		),
		SignalsRaised: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_signals_raised_total",
				Help: "Signals raised on partitions",
			},
			[]string{"kind"},
		),

		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spm_violations_total",
				Help: "Protocol violations by kind",
			},
			[]string{"kind", "op"},
		),
		Resets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "spm_resets_total",
				Help: "Number of partition manager resets",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "spm_uptime_seconds",
			Help: "Partition manager uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordIPC records a finished connect, call or disconnect message
func (m *Metrics) RecordIPC(op, result string, duration time.Duration) {
	m.IPCOps.WithLabelValues(op, result).Inc()
	m.IPCDuration.WithLabelValues(op).Observe(duration.Seconds())

	m.mu.Lock()
	switch op {
	case "connect":
		m.snapshot.Connects++
	case "call":
		m.snapshot.Calls++
	case "disconnect":
		m.snapshot.Closes++
	}
	m.mu.Unlock()
}

// RecordBytes records payload bytes read by or written by a service
func (m *Metrics) RecordBytes(direction string, n int) {
	if n > 0 {
		m.IPCBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordSignal records a raised signal
func (m *Metrics) RecordSignal(kind string) {
	m.SignalsRaised.WithLabelValues(kind).Inc()
}

// RecordViolation records a protocol violation
func (m *Metrics) RecordViolation(kind, op string) {
	m.Violations.WithLabelValues(kind, op).Inc()
	m.mu.Lock()
	m.snapshot.Violations++
	m.mu.Unlock()
}

// IncResets increments the reset counter
func (m *Metrics) IncResets() {
	m.Resets.Inc()
	m.mu.Lock()
	m.snapshot.Resets++
	m.mu.Unlock()
}

// SetHandlesActive sets the number of live handles
func (m *Metrics) SetHandlesActive(count int) {
	m.HandlesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.HandlesActive = int64(count)
	m.mu.Unlock()
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
