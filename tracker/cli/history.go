package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/storage"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded runs of an environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closer, err := openStore(ctx, a.cfg, nil, a.log)
			if err != nil {
				return err
			}
			defer closer.Close()

			env := a.environmentID(ctx)
			history, err := store.Load(ctx, env)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch output {
			case "json", "datajs":
				data, err := storage.EncodeDocument(storage.DocumentFromHistory(history), storage.Format(output))
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			case "text":
			default:
				return fmt.Errorf("unknown --output %q", output)
			}

			runs := history.Snapshots
			if limit > 0 && len(runs) > limit {
				runs = runs[len(runs)-limit:]
			}
			fmt.Fprintf(out, "Environment: %s (%d runs)\n\n", env, len(history.Snapshots))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprint(w, "Ingested\tCommit\tSuite\tTool\tMetrics\n")
			for _, s := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					s.IngestTimestamp.Format(time.RFC3339), shortCommit(s.CommitID), s.Suite, s.ToolName, len(s.Metrics))
			}
			return w.Flush()
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "text", "output format: text, json or datajs")
	flags.IntVar(&limit, "limit", 20, "show at most this many recent runs (0 for all)")
	return cmd
}

func shortCommit(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
