package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/ingest"
	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/types"
)

func newImportCommand(a *app) *cobra.Command {
	var retries int

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import an existing data.js or data.json history",
		Long: `Append every run of a github-action-benchmark history document to the
environment's history. Runs already present (same commit, suite and ingest
time) are skipped, so importing the same file twice is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read history file: %w", err)
			}
			doc, err := storage.DecodeDocument(data)
			if err != nil {
				return &types.MalformedInputError{Reason: "is not a history document", Err: err}
			}

			env := a.environmentID(ctx)
			imported, err := storage.HistoryFromDocument(env, doc)
			if err != nil {
				return err
			}

			store, closer, err := openStore(ctx, a.cfg, nil, a.log)
			if err != nil {
				return err
			}
			defer closer.Close()

			if retries < 0 {
				retries = a.cfg.Ingest.ConflictRetries
			}
			added, skipped, err := importSnapshots(ctx, store, env, imported.Snapshots, retries)
			if err != nil {
				return err
			}

			a.log.WithFields(logrus.Fields{
				"environment": env,
				"added":       added,
				"skipped":     skipped,
			}).Info("Import finished")
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d runs into %s (%d already present)\n", added, env, skipped)
			return nil
		},
	}

	cmd.Flags().IntVar(&retries, "retries", -1, "retries after a concurrent write conflict (default from config)")
	return cmd
}

// importSnapshots appends runs oldest first, skipping runs the history already holds
func importSnapshots(ctx context.Context, store storage.HistoryStore, env string, snapshots []types.RunSnapshot, retries int) (added, skipped int, err error) {
	current, err := store.Load(ctx, env)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range snapshots {
		if containsRun(current, s) {
			skipped++
			continue
		}
		err := ingest.RetryConflicts(ctx, retries, func() error {
			var appendErr error
			current, appendErr = store.Append(ctx, env, s)
			return appendErr
		})
		if err != nil {
			return added, skipped, fmt.Errorf("failed to import run of %s: %w", s.CommitID, err)
		}
		added++
	}
	return added, skipped, nil
}

func containsRun(history *types.EnvironmentHistory, s types.RunSnapshot) bool {
	for _, existing := range history.RunsForCommit(s.CommitID) {
		if existing.Suite == s.Suite && existing.IngestTimestamp.Equal(s.IngestTimestamp) {
			return true
		}
	}
	return false
}
