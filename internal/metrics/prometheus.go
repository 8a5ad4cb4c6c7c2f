// Package metrics exposes Prometheus metrics for Ferry.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// PrometheusMetrics holds every collector Ferry registers.
type PrometheusMetrics struct {
	registry prometheus.Gatherer

	MigrationsActive  prometheus.Gauge
	MigrationCounter  *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	SnapshotCounter   *prometheus.CounterVec
	SnapshotDuration  *prometheus.HistogramVec
	StagingSwept      prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		registry: reg,
		MigrationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferry",
			Name:      "migrations_active",
			Help:      "Number of migrations currently running",
		}),
		MigrationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "migrations_total",
			Help:      "Finished migrations by terminal stage",
		}, []string{"stage"}),
		MigrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ferry",
			Name:      "migration_duration_seconds",
			Help:      "Migration wall time in seconds",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"stage"}),
		SnapshotCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "snapshot_operations_total",
			Help:      "Snapshot operations by kind and result",
		}, []string{"operation", "result"}),
		SnapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ferry",
			Name:      "snapshot_operation_duration_seconds",
			Help:      "Snapshot operation wall time in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		}, []string{"operation"}),
		StagingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "staging_files_swept_total",
			Help:      "Stale staging archives removed by the sweeper",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.MigrationsActive, m.MigrationCounter, m.MigrationDuration,
		m.SnapshotCounter, m.SnapshotDuration, m.StagingSwept,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// MigrationStarted marks a migration as running.
func (m *PrometheusMetrics) MigrationStarted() {
	m.MigrationsActive.Inc()
}

// MigrationFinished records a migration that reached a terminal stage.
func (m *PrometheusMetrics) MigrationFinished(stage models.MigrationStage, d time.Duration) {
	m.MigrationsActive.Dec()
	m.MigrationCounter.WithLabelValues(string(stage)).Inc()
	m.MigrationDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// SnapshotOperation records one create, restore or remove.
func (m *PrometheusMetrics) SnapshotOperation(op string, success bool, d time.Duration) {
	result := resultSuccess
	if !success {
		result = resultFailure
	}
	m.SnapshotCounter.WithLabelValues(op, result).Inc()
	m.SnapshotDuration.WithLabelValues(op).Observe(d.Seconds())
}

// StagingFilesSwept adds n removed staging archives.
func (m *PrometheusMetrics) StagingFilesSwept(n int) {
	m.StagingSwept.Add(float64(n))
}

// Handler serves the registry in the exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
