package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bench-history/tracker/platform"
)

func newEnvCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment id detected for this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := platform.Detect(cmd.Context())
			if err != nil {
				a.log.WithError(err).Warn("Host detection incomplete")
			}
			if a.environment != "" {
				info.EnvironmentID = a.environment
			}

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, info.EnvironmentID)
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full host description as JSON")
	return cmd
}
