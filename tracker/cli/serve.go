package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/api"
	"github.com/bench-history/tracker/telemetry"
)

func newServeCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the history store over HTTP",
		Long: `Run the HTTP API: ingest runs, read histories and windows, check for
regressions, stream events over /api/ws and expose Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = a.cfg.API.Addr
			}
			metrics := telemetry.New(true)
			store, closer, err := openStore(ctx, a.cfg, metrics, a.log)
			if err != nil {
				return err
			}
			defer closer.Close()

			detector := analysis.NewRegressionDetector(store, a.cfg.Detector(), a.log)
			server := api.NewServer(store, detector, api.Options{
				Addr:            addr,
				ConflictRetries: a.cfg.Ingest.ConflictRetries,
				WarnOnly:        a.cfg.Gate.WarnOnly,
				Metrics:         metrics,
				Hub:             api.DefaultWSHubConfig(),
			}, a.log)

			if err := server.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return server.Stop()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
