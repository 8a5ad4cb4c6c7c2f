package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	m, err := NewPrometheusMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

func TestPrometheus_Migrations(t *testing.T) {
	m := newMetrics(t)

	m.MigrationStarted()
	m.MigrationStarted()
	if got := metricValue(t, m.MigrationsActive).GetGauge().GetValue(); got != 2 {
		t.Errorf("active = %f, want 2", got)
	}

	m.MigrationFinished(models.MigrationStageComplete, 90*time.Second)
	m.MigrationFinished(models.MigrationStageError, 30*time.Second)

	if got := metricValue(t, m.MigrationsActive).GetGauge().GetValue(); got != 0 {
		t.Errorf("active = %f, want 0", got)
	}
	if got := counterValue(t, m.MigrationCounter, "complete"); got != 1 {
		t.Errorf("complete = %f, want 1", got)
	}
	if got := counterValue(t, m.MigrationCounter, "error"); got != 1 {
		t.Errorf("error = %f, want 1", got)
	}

	h := metricValue(t, m.MigrationDuration.WithLabelValues("complete").(prometheus.Metric)).GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 90 {
		t.Errorf("histogram = %d/%f, want 1/90", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestPrometheus_SnapshotOperation(t *testing.T) {
	m := newMetrics(t)

	m.SnapshotOperation("create", true, 2*time.Second)
	m.SnapshotOperation("create", true, time.Second)
	m.SnapshotOperation("create", false, time.Second)
	m.SnapshotOperation("restore", true, 4*time.Second)

	tests := []struct {
		op, result string
		want       float64
	}{
		{"create", "success", 2},
		{"create", "failure", 1},
		{"restore", "success", 1},
		{"remove", "success", 0},
	}
	for _, tt := range tests {
		if got := counterValue(t, m.SnapshotCounter, tt.op, tt.result); got != tt.want {
			t.Errorf("%s/%s = %f, want %f", tt.op, tt.result, got, tt.want)
		}
	}

	h := metricValue(t, m.SnapshotDuration.WithLabelValues("create").(prometheus.Metric)).GetHistogram()
	if h.GetSampleCount() != 3 || h.GetSampleSum() != 4 {
		t.Errorf("create histogram = %d/%f, want 3/4", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestPrometheus_StagingSwept(t *testing.T) {
	m := newMetrics(t)
	m.StagingFilesSwept(3)
	m.StagingFilesSwept(0)
	if got := metricValue(t, m.StagingSwept).GetCounter().GetValue(); got != 3 {
		t.Errorf("swept = %f, want 3", got)
	}
}

func TestPrometheus_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestPrometheus_Handler(t *testing.T) {
	m := newMetrics(t)
	m.MigrationStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(string(body), "ferry_migrations_active 1") {
		t.Errorf("body missing active gauge:\n%s", body)
	}
}

func metricValue(t *testing.T, c prometheus.Metric) *dto.Metric {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return &m
}

func counterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	return metricValue(t, counter.WithLabelValues(labels...).(prometheus.Metric)).GetCounter().GetValue()
}
