package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/bench-history/tracker/types"
)

// Reporter delivers a regression report somewhere: a terminal, a file, a socket
type Reporter interface {
	Report(ctx context.Context, report *types.RegressionReport) error
}

// TextReporter renders reports as an aligned table
type TextReporter struct {
	w io.Writer
}

// NewTextReporter creates a table reporter writing to w
func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: w}
}

// Report writes a header followed by one row per metric
func (r *TextReporter) Report(ctx context.Context, report *types.RegressionReport) error {
	fmt.Fprintf(r.w, "Environment: %s\n", report.EnvironmentID)
	fmt.Fprintf(r.w, "Suite:       %s\n", report.Suite)
	fmt.Fprintf(r.w, "Commit:      %s\n", report.CommitID)
	fmt.Fprintf(r.w, "Baseline:    %d runs\n\n", len(report.BaselineRuns))

	w := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "Metric\tUnit\tBaseline\tMAD\tNew\tThreshold\tΔ%\tVerdict\n")
	fmt.Fprint(w, "------\t----\t--------\t---\t---\t---------\t--\t-------\n")
	for _, m := range report.Metrics {
		verdict := string(m.Verdict)
		if m.Suspicious {
			verdict += " (suspicious)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.MetricName,
			m.Unit,
			fmtValue(m.BaselineMedian, m.BaselineSamples > 0),
			fmtValue(m.BaselineMAD, m.BaselineSamples > 0),
			fmtValue(m.NewValue, m.Verdict != types.VerdictMissing),
			fmtValue(m.Threshold, m.BaselineSamples > 0 && m.Verdict != types.VerdictMissing),
			fmtPct(m.ChangePercent, m.BaselineSamples > 0 && m.Verdict != types.VerdictMissing),
			verdict,
		)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	fmt.Fprintf(r.w, "\n%d regressed, %d improved, %d stable, %d missing\n",
		report.Count(types.VerdictRegressed),
		report.Count(types.VerdictImproved),
		report.Count(types.VerdictStable),
		report.Count(types.VerdictMissing),
	)
	return nil
}

func fmtValue(v float64, ok bool) string {
	if !ok {
		return "N/A"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtPct(v float64, ok bool) string {
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%+.2f%%", v)
}

// JSONReporter writes each report as one indented JSON document
type JSONReporter struct {
	w io.Writer
}

// NewJSONReporter creates a JSON reporter writing to w
func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{w: w}
}

// Report encodes report as JSON
func (r *JSONReporter) Report(ctx context.Context, report *types.RegressionReport) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// MultiReporter fans a report out to several reporters, reporting every failure
type MultiReporter []Reporter

// Report calls each reporter in order
func (m MultiReporter) Report(ctx context.Context, report *types.RegressionReport) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
