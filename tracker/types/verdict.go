package types

import "time"

// Verdict classifies one metric of a new run against its baseline
type Verdict string

const (
	VerdictStable    Verdict = "stable"
	VerdictRegressed Verdict = "regressed"
	VerdictImproved  Verdict = "improved"
	VerdictMissing   Verdict = "missing" // present in the baseline, absent from the new run
)

// MetricVerdict is the per-metric outcome of a regression check
type MetricVerdict struct {
	MetricName      string  `json:"metric_name"`
	Unit            string  `json:"unit,omitempty"`
	BaselineMedian  float64 `json:"baseline_median"`
	BaselineMAD     float64 `json:"baseline_mad"`
	BaselineMean    float64 `json:"baseline_mean"`
	BaselineStdDev  float64 `json:"baseline_stddev"`
	BaselineSamples int     `json:"baseline_samples"`
	NewValue        float64 `json:"new_value"`
	Threshold       float64 `json:"threshold"`
	ChangePercent   float64 `json:"change_percent"`
	Verdict         Verdict `json:"verdict"`
	Suspicious      bool    `json:"suspicious,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// RegressionReport is the Detector's verdict for one run
type RegressionReport struct {
	EnvironmentID   string          `json:"environment_id"`
	Suite           string          `json:"suite"`
	CommitID        string          `json:"commit_id"`
	IngestTimestamp time.Time       `json:"ingest_timestamp"`
	BaselineRuns    []string        `json:"baseline_runs"`
	Metrics         []MetricVerdict `json:"metrics"`
	AnyRegression   bool            `json:"any_regression"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// Count returns how many metrics received the given verdict
func (r *RegressionReport) Count(v Verdict) int {
	n := 0
	for _, m := range r.Metrics {
		if m.Verdict == v {
			n++
		}
	}
	return n
}

// Regressions returns the regressed metrics in report order
func (r *RegressionReport) Regressions() []MetricVerdict {
	var out []MetricVerdict
	for _, m := range r.Metrics {
		if m.Verdict == VerdictRegressed {
			out = append(out, m)
		}
	}
	return out
}
