package cli

import (
	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/telemetry"
	"github.com/bench-history/tracker/types"
)

func newCheckCommand(a *app) *cobra.Command {
	var (
		suite       string
		output      string
		warnOnly    bool
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the latest run for regressions",
		Long: `Compare the most recent run of an environment with the median of the runs
before it.

Exit status:
  0  no regression (or --warn-only)
  1  at least one metric regressed
  2  no verdict: the history could not be read`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			metrics := telemetry.New(false)
			warn := warnOnly || a.cfg.Gate.WarnOnly

			store, closer, err := openStore(ctx, a.cfg, metrics, a.log)
			if err != nil {
				return a.gate(cmd, nil, &types.UnavailableError{Op: "open", Err: err}, output, warn, metrics, metricsFile)
			}
			defer closer.Close()

			detector := analysis.NewRegressionDetector(store, a.cfg.Detector(), a.log)
			report, err := detector.DetectLatest(ctx, a.environmentID(ctx), suite)
			return a.gate(cmd, report, err, output, warn, metrics, metricsFile)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&suite, "suite", "", "only consider runs of this suite")
	flags.StringVarP(&output, "output", "o", "text", "report format: text or json")
	flags.BoolVar(&warnOnly, "warn-only", false, "never fail the build, only warn")
	flags.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics for the node exporter textfile collector")
	return cmd
}
