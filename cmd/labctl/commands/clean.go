package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Tear down and purge expired deployments",
		Long: `Run one expiry sweep. Every deployment whose TTL has passed goes through
the teardown steps and is deleted once its cleanup completed. Deployments
whose cleanup failed are kept and retried by the next sweep.`,
		Example: `  # Sweep now
  labctl clean

  # Sweep as if it were a later time
  labctl clean --at 2025-01-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			reaper, err := a.Reaper()
			if err != nil {
				return err
			}
			res, err := reaper.Sweep(ctx, now)
			if res == nil {
				return err
			}

			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired: %d, purged: %d, failed: %d\n", res.Expired, res.Purged, len(res.Failed))
			for _, depID := range res.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %s\n", depID)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "sweep as of this RFC 3339 time instead of now")

	return cmd
}
