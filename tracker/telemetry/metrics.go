package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/types"
)

const namespace = "benchhist"

// Metrics holds the Prometheus collectors for ingestion, detection and storage
type Metrics struct {
	registry   *prometheus.Registry
	ingestions *prometheus.CounterVec
	verdicts   *prometheus.CounterVec
	checks     *prometheus.CounterVec
	storeOps   *prometheus.HistogramVec
}

// New creates a registry with the benchhist collectors. withRuntime adds the Go
// and process collectors, which only make sense for long-running servers.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Harness results submitted for ingestion, by result.",
		}, []string{"result"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Per-metric verdicts issued by the regression detector.",
		}, []string{"verdict"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Regression checks by gate status.",
		}, []string{"status"}),
		storeOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_seconds",
			Help:      "History store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"backend", "op", "result"}),
	}

	m.registry.MustRegister(m.ingestions, m.verdicts, m.checks, m.storeOps)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordIngestion counts one ingestion attempt by its outcome
func (m *Metrics) RecordIngestion(err error) {
	m.ingestions.WithLabelValues(ResultLabel(err)).Inc()
}

// RecordReport counts the verdicts of a report
func (m *Metrics) RecordReport(report *types.RegressionReport) {
	if report == nil {
		return
	}
	for _, v := range report.Metrics {
		m.verdicts.WithLabelValues(string(v.Verdict)).Inc()
	}
}

// RecordOutcome counts one gate decision
func (m *Metrics) RecordOutcome(outcome analysis.Outcome) {
	m.checks.WithLabelValues(outcome.Status).Inc()
}

// ResultLabel classifies an error for the result label
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case types.IsMalformedInput(err):
		return "malformed"
	case types.IsValidation(err):
		return "invalid"
	case types.IsConflict(err):
		return "conflict"
	case types.IsUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}

// WriteTextfile writes the registry in text format for the node exporter
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s", filepath.Base(path), uuid.NewString()))
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close metrics file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace metrics file: %w", err)
	}
	return nil
}
