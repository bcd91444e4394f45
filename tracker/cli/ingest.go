package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/ingest"
	"github.com/bench-history/tracker/telemetry"
	"github.com/bench-history/tracker/types"
)

type ingestOptions struct {
	format     string
	commit     string
	commitTime string
	tool       string
	suite      string
	retries    int
	check      bool
	output     string
	warnOnly   bool
}

func newIngestCommand(a *app) *cobra.Command {
	opts := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest [FILE]",
		Short: "Record a benchmark run",
		Long: `Record one benchmark run for an environment. FILE (or stdin when omitted or "-")
holds either a JSON harness result or raw go test -bench output (--format gobench).

With --check the run is compared against its baseline right away and the
command exits like "benchhist check".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runIngest(cmd, args, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.format, "format", "json", "input format: json or gobench")
	flags.StringVar(&opts.commit, "commit", "", "commit id, when the input does not carry one")
	flags.StringVar(&opts.commitTime, "commit-time", "", "commit timestamp (RFC 3339)")
	flags.StringVar(&opts.tool, "tool", "", "tool name, when the input does not carry one")
	flags.StringVar(&opts.suite, "suite", "", "suite name (default: the tool name)")
	flags.IntVar(&opts.retries, "retries", -1, "retries after a concurrent write conflict (default from config)")
	flags.BoolVar(&opts.check, "check", false, "check the new run for regressions")
	flags.StringVarP(&opts.output, "output", "o", "text", "report format with --check: text or json")
	flags.BoolVar(&opts.warnOnly, "warn-only", false, "never fail the build, only warn")
	return cmd
}

func (a *app) runIngest(cmd *cobra.Command, args []string, opts *ingestOptions) error {
	ctx := cmd.Context()

	meta := ingest.Meta{CommitID: opts.commit, ToolName: opts.tool, Suite: opts.suite}
	if opts.commitTime != "" {
		t, err := time.Parse(time.RFC3339, opts.commitTime)
		if err != nil {
			return fmt.Errorf("invalid --commit-time: %w", err)
		}
		meta.CommitTimestamp = t
	}

	input, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	var result *ingest.HarnessResult
	switch opts.format {
	case "json":
		result, err = ingest.ParseJSON(input, meta)
	case "gobench":
		result, err = ingest.ParseGoBench(bytes.NewReader(input), meta)
	default:
		return fmt.Errorf("unknown --format %q", opts.format)
	}
	if err != nil {
		return err
	}

	metrics := telemetry.New(false)
	store, closer, err := openStore(ctx, a.cfg, metrics, a.log)
	if err != nil {
		return err
	}
	defer closer.Close()

	retries := opts.retries
	if retries < 0 {
		retries = a.cfg.Ingest.ConflictRetries
	}

	env := a.environmentID(ctx)
	ingestor := ingest.NewIngestor(store, a.log)
	var snapshot *types.RunSnapshot
	var history *types.EnvironmentHistory
	err = ingest.RetryConflicts(ctx, retries, func() error {
		var ingestErr error
		snapshot, history, ingestErr = ingestor.Ingest(ctx, env, result)
		return ingestErr
	})
	metrics.RecordIngestion(err)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s run of %s (%d metrics) for %s; %d runs in history\n",
		snapshot.Suite, snapshot.CommitID, len(snapshot.Metrics), env, len(history.Snapshots))

	if !opts.check {
		return nil
	}

	detector := analysis.NewRegressionDetector(store, a.cfg.Detector(), a.log)
	report, err := detector.Detect(ctx, env, *snapshot)
	return a.gate(cmd, report, err, opts.output, opts.warnOnly || a.cfg.Gate.WarnOnly, metrics, "")
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return data, nil
}

// gate reports a check result, records it and converts the outcome into the
// command's exit status
func (a *app) gate(cmd *cobra.Command, report *types.RegressionReport, err error, output string, warnOnly bool, metrics *telemetry.Metrics, metricsFile string) error {
	outcome := analysis.Gate(report, err, warnOnly)

	if report != nil {
		var reporter analysis.Reporter
		switch output {
		case "json":
			reporter = analysis.NewJSONReporter(cmd.OutOrStdout())
		default:
			reporter = analysis.NewTextReporter(cmd.OutOrStdout())
		}
		if reportErr := reporter.Report(cmd.Context(), report); reportErr != nil {
			return fmt.Errorf("failed to write report: %w", reportErr)
		}
	}
	if output != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", strings.ToUpper(outcome.Status), outcome.Message)
	}

	metrics.RecordReport(report)
	metrics.RecordOutcome(outcome)
	if metricsFile != "" {
		if writeErr := metrics.WriteTextfile(metricsFile); writeErr != nil {
			a.log.WithError(writeErr).Warn("Failed to write metrics file")
		}
	}

	entry := a.log.WithFields(logrus.Fields{
		"status":    outcome.Status,
		"exit_code": outcome.ExitCode,
	})
	switch {
	case outcome.Status == analysis.StatusPass:
		entry.Info(outcome.Message)
	case outcome.Downgraded:
		entry.Warn(outcome.Message)
	default:
		entry.Error(outcome.Message)
	}

	if outcome.ExitCode != analysis.ExitPass {
		return &ExitError{Code: outcome.ExitCode}
	}
	return nil
}
