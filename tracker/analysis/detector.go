package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/stats"
	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/types"
)

// ErrNoRuns is returned by DetectLatest when the environment has no run to check
var ErrNoRuns = errors.New("no runs recorded")

// RegressionDetector decides whether a run regressed against its trailing baseline
type RegressionDetector interface {
	Detect(ctx context.Context, environmentID string, snapshot types.RunSnapshot) (*types.RegressionReport, error)
	DetectLatest(ctx context.Context, environmentID, suite string) (*types.RegressionReport, error)
}

// Tolerance bounds how far a value may move from the baseline median before it
// counts as a change: max(Absolute, Factor*MAD).
type Tolerance struct {
	Absolute float64 `json:"absolute" yaml:"absolute"`
	Factor   float64 `json:"factor" yaml:"factor"`
}

// Margin returns the allowed distance from the median for a baseline with the given MAD
func (t Tolerance) Margin(mad float64) float64 {
	return math.Max(t.Absolute, t.Factor*mad)
}

// Config configures the Detector
type Config struct {
	WindowSize int
	Tolerance  Tolerance
	// Overrides replaces Tolerance for individual metric names
	Overrides map[string]Tolerance
}

// DefaultConfig returns a five-run window with a 3*MAD tolerance
func DefaultConfig() Config {
	return Config{
		WindowSize: 5,
		Tolerance:  Tolerance{Absolute: 0, Factor: 3},
	}
}

// Detector compares runs with the median of the preceding runs of the same suite.
// It only reads from the store.
type Detector struct {
	store storage.HistoryStore
	cfg   Config
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewRegressionDetector creates a detector reading baselines from store
func NewRegressionDetector(store storage.HistoryStore, cfg Config, log logrus.FieldLogger) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Detector{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithField("component", "regression-detector"),
	}
}

// Detect classifies every metric of snapshot against the runs ingested before it
func (d *Detector) Detect(ctx context.Context, environmentID string, snapshot types.RunSnapshot) (*types.RegressionReport, error) {
	baseline, err := d.store.SuiteWindow(ctx, environmentID, snapshot.Suite, snapshot.IngestTimestamp, d.cfg.WindowSize)
	if err != nil {
		return nil, noVerdict("window", err)
	}

	report := &types.RegressionReport{
		EnvironmentID:   environmentID,
		Suite:           snapshot.Suite,
		CommitID:        snapshot.CommitID,
		IngestTimestamp: snapshot.IngestTimestamp,
		BaselineRuns:    make([]string, 0, len(baseline)),
		Metrics:         make([]types.MetricVerdict, 0, len(snapshot.Metrics)),
		GeneratedAt:     d.now().UTC(),
	}

	var (
		order   []string
		samples = make(map[string][]float64)
		units   = make(map[string]string)
	)
	for _, run := range baseline {
		report.BaselineRuns = append(report.BaselineRuns, run.CommitID)
		for _, m := range run.Metrics {
			if _, ok := samples[m.Name]; !ok {
				order = append(order, m.Name)
				units[m.Name] = m.Unit
			}
			samples[m.Name] = append(samples[m.Name], m.Value)
		}
	}

	present := make(map[string]bool, len(snapshot.Metrics))
	for _, m := range snapshot.Metrics {
		present[m.Name] = true
		verdict := d.checkMetric(m, samples[m.Name])
		if verdict.Verdict == types.VerdictRegressed {
			report.AnyRegression = true
		}
		report.Metrics = append(report.Metrics, verdict)
	}

	for _, name := range order {
		if present[name] {
			continue
		}
		summary := stats.Summarize(samples[name])
		v := types.MetricVerdict{
			MetricName: name,
			Unit:       units[name],
			Verdict:    types.VerdictMissing,
			Notes:      "present in baseline, absent from this run",
		}
		applySummary(&v, summary)
		report.Metrics = append(report.Metrics, v)
	}

	d.log.WithFields(logrus.Fields{
		"environment": environmentID,
		"commit":      snapshot.CommitID,
		"suite":       snapshot.Suite,
		"baseline":    len(baseline),
		"regressed":   report.Count(types.VerdictRegressed),
		"improved":    report.Count(types.VerdictImproved),
		"missing":     report.Count(types.VerdictMissing),
	}).Info("Regression check completed")

	return report, nil
}

// DetectLatest checks the most recent run of suite (or of any suite when empty)
func (d *Detector) DetectLatest(ctx context.Context, environmentID, suite string) (*types.RegressionReport, error) {
	history, err := d.store.Load(ctx, environmentID)
	if err != nil {
		return nil, noVerdict("load", err)
	}

	latest, ok := history.Latest(suite)
	if !ok {
		if suite != "" {
			return nil, fmt.Errorf("environment %q suite %q: %w", environmentID, suite, ErrNoRuns)
		}
		return nil, fmt.Errorf("environment %q: %w", environmentID, ErrNoRuns)
	}
	return d.Detect(ctx, environmentID, latest)
}

func (d *Detector) tolerance(metric string) Tolerance {
	if t, ok := d.cfg.Overrides[metric]; ok {
		return t
	}
	return d.cfg.Tolerance
}

func (d *Detector) checkMetric(m types.MetricRecord, baseline []float64) types.MetricVerdict {
	v := types.MetricVerdict{
		MetricName: m.Name,
		Unit:       m.Unit,
		NewValue:   m.Value,
		Verdict:    types.VerdictStable,
	}
	if m.Value == 0 {
		v.Suspicious = true
		v.Notes = "zero value"
	}

	// First run of a metric never gates
	if len(baseline) == 0 {
		if v.Notes == "" {
			v.Notes = "no baseline"
		}
		return v
	}

	summary := stats.Summarize(baseline)
	applySummary(&v, summary)

	margin := d.tolerance(m.Name).Margin(summary.MAD)
	v.Threshold = summary.Median + margin

	switch {
	case m.Value > summary.Median+margin:
		v.Verdict = types.VerdictRegressed
	case m.Value < summary.Median-margin:
		v.Verdict = types.VerdictImproved
	}

	if summary.Median != 0 {
		v.ChangePercent = (m.Value - summary.Median) / summary.Median * 100
	}
	return v
}

func applySummary(v *types.MetricVerdict, s stats.Summary) {
	v.BaselineMedian = s.Median
	v.BaselineMAD = s.MAD
	v.BaselineMean = s.Mean
	v.BaselineStdDev = s.StdDev
	v.BaselineSamples = s.Count
}

// noVerdict turns a store failure into "unavailable"; only caller mistakes pass through
func noVerdict(op string, err error) error {
	if types.IsUnavailable(err) || types.IsValidation(err) {
		return err
	}
	return &types.UnavailableError{Op: op, Err: err}
}
