package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bench-history/tracker/types"
)

func sampleReport(regressed bool) *types.RegressionReport {
	report := &types.RegressionReport{
		EnvironmentID: "ubuntu-22.04",
		Suite:         "Go Benchmark",
		CommitID:      "ab32b5f0",
		BaselineRuns:  []string{"5f11080f"},
		Metrics: []types.MetricVerdict{
			{MetricName: "BenchmarkDummy", Unit: "ns/op", BaselineMedian: 190, BaselineMAD: 1, BaselineSamples: 5, NewValue: 189.2, Threshold: 193, ChangePercent: -0.42, Verdict: types.VerdictStable},
			{MetricName: "BenchmarkNew", Unit: "ns/op", NewValue: 12, Verdict: types.VerdictStable, Notes: "no baseline"},
			{MetricName: "BenchmarkGone", Unit: "ns/op", BaselineMedian: 5, BaselineSamples: 2, Verdict: types.VerdictMissing},
		},
	}
	if regressed {
		report.Metrics[0].NewValue = 218.6
		report.Metrics[0].ChangePercent = 15.05
		report.Metrics[0].Verdict = types.VerdictRegressed
		report.AnyRegression = true
	}
	return report
}

func TestGate(t *testing.T) {
	tests := []struct {
		name       string
		report     *types.RegressionReport
		err        error
		warnOnly   bool
		status     string
		exitCode   int
		downgraded bool
	}{
		{name: "pass", report: sampleReport(false), status: StatusPass, exitCode: ExitPass},
		{name: "pass in warn-only", report: sampleReport(false), warnOnly: true, status: StatusPass, exitCode: ExitPass},
		{name: "regression", report: sampleReport(true), status: StatusRegression, exitCode: ExitRegression},
		{name: "regression warn-only", report: sampleReport(true), warnOnly: true, status: StatusRegression, exitCode: ExitPass, downgraded: true},
		{name: "unavailable", err: &types.UnavailableError{Op: "window", Err: errors.New("timeout")}, status: StatusUnavailable, exitCode: ExitUnavailable},
		{name: "unavailable warn-only", err: &types.UnavailableError{Op: "window", Err: errors.New("timeout")}, warnOnly: true, status: StatusUnavailable, exitCode: ExitPass, downgraded: true},
		{name: "nil report", status: StatusUnavailable, exitCode: ExitUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Gate(tt.report, tt.err, tt.warnOnly)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.exitCode, out.ExitCode)
			assert.Equal(t, tt.downgraded, out.Downgraded)
			assert.NotEmpty(t, out.Message)
		})
	}
}

func TestGate_UnavailableIsNeverPass(t *testing.T) {
	out := Gate(sampleReport(false), &types.UnavailableError{Op: "load", Err: errors.New("refused")}, false)
	assert.NotEqual(t, ExitPass, out.ExitCode)
}

func TestTextReporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTextReporter(&buf).Report(context.Background(), sampleReport(true)))

	out := buf.String()
	assert.Contains(t, out, "Environment: ubuntu-22.04")
	assert.Contains(t, out, "Baseline:    1 runs")
	assert.Contains(t, out, "1 regressed, 0 improved, 1 stable, 1 missing")

	var row, newRow, goneRow string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "BenchmarkDummy"):
			row = line
		case strings.HasPrefix(line, "BenchmarkNew"):
			newRow = line
		case strings.HasPrefix(line, "BenchmarkGone"):
			goneRow = line
		}
	}
	assert.Equal(t, []string{"BenchmarkDummy", "ns/op", "190", "1", "218.6", "193", "+15.05%", "regressed"}, strings.Fields(row))
	assert.Equal(t, []string{"BenchmarkNew", "ns/op", "N/A", "N/A", "12", "N/A", "N/A", "stable"}, strings.Fields(newRow))
	assert.Equal(t, []string{"BenchmarkGone", "ns/op", "5", "0", "N/A", "N/A", "N/A", "missing"}, strings.Fields(goneRow))
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONReporter(&buf).Report(context.Background(), sampleReport(true)))

	var decoded types.RegressionReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.True(t, decoded.AnyRegression)
	assert.Len(t, decoded.Regressions(), 1)
	assert.Equal(t, "ab32b5f0", decoded.CommitID)
}

type failingReporter struct{}

func (failingReporter) Report(context.Context, *types.RegressionReport) error {
	return errors.New("socket closed")
}

func TestMultiReporter(t *testing.T) {
	var buf bytes.Buffer
	multi := MultiReporter{failingReporter{}, NewJSONReporter(&buf)}

	err := multi.Report(context.Background(), sampleReport(false))
	assert.ErrorContains(t, err, "socket closed")
	assert.NotEmpty(t, buf.String(), "later reporters still run")
}
