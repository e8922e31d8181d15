package vaultfs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of containers, mounts and copies
type Metrics struct {
	AdapterOperationsTotal *prometheus.CounterVec
	AdapterBytesTotal      *prometheus.CounterVec
	MountedVolumes         prometheus.Gauge
	CopyBytesTotal         *prometheus.CounterVec
	SectorTransformsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// DefaultMetrics returns the process-wide metrics
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a metrics set on its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.AdapterOperationsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_adapter_operations_total",
			Help: "Total number of adapter operations",
		},
		[]string{"op", "status"},
	)

	m.AdapterBytesTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_adapter_bytes_total",
			Help: "Bytes transferred through the adapter",
		},
		[]string{"direction"}, // read, write
	)

	m.MountedVolumes = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultfs_mounted_volumes",
			Help: "Number of currently mounted volumes",
		},
	)

	m.CopyBytesTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_copy_bytes_total",
			Help: "Bytes copied by the bulk copy engines",
		},
		[]string{"engine"}, // import, export, compact
	)

	m.SectorTransformsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_sector_transforms_total",
			Help: "Sectors encrypted or decrypted",
		},
		[]string{"direction"}, // encrypt, decrypt
	)

	return m
}

// RecordOperation records an adapter operation and its outcome
func (m *Metrics) RecordOperation(op string, err error) {
	m.AdapterOperationsTotal.WithLabelValues(op, StatusOf(err).String()).Inc()
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
