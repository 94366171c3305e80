package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <depID>",
		Short: "Show a deployment record",
		Long: `Show the recorded state of one deployment: identity, ground-truth flags,
per-step statuses and the overall deployment and cleanup status.`,
		Example: `  # Show a deployment
  labctl status dep-1

  # Include the status history as JSON
  labctl status dep-1 --history --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			store, err := a.Store()
			if err != nil {
				return err
			}
			record, err := store.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}

			var entries []*stores.HistoryEntry
			if history {
				if entries, err = store.History(ctx, args[0], 0); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Deployment *engine.DeploymentRecord `json:"deployment"`
					History    []*stores.HistoryEntry   `json:"history,omitempty"`
				}{record, entries})
			}
			return printRecord(cmd.OutOrStdout(), record, entries)
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "include the status history")

	return cmd
}

func printRecord(out io.Writer, r *engine.DeploymentRecord, history []*stores.HistoryEntry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Deployment:\t%s\n", r.DeploymentID)
	fmt.Fprintf(w, "Lab:\t%s\n", r.LabID)
	fmt.Fprintf(w, "Email:\t%s\n", r.Email)
	fmt.Fprintf(w, "Petname:\t%s\n", r.Petname)
	fmt.Fprintf(w, "Created namespace:\t%t\n", r.CreatedNamespace)
	fmt.Fprintf(w, "Created user:\t%t\n", r.CreatedUser)
	fmt.Fprintf(w, "Deployment status:\t%s\n", orDash(string(r.DeploymentStatus)))
	fmt.Fprintf(w, "Cleanup status:\t%s\n", orDash(string(r.CleanupStatus)))
	if r.Details != "" {
		fmt.Fprintf(w, "Details:\t%s\n", r.Details)
	}
	if !r.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "Expires:\t%s\n", r.ExpiresAt.Format(time.RFC3339))
	}

	if len(r.StepStatuses) > 0 {
		steps := make([]string, 0, len(r.StepStatuses))
		for step := range r.StepStatuses {
			steps = append(steps, step)
		}
		sort.Strings(steps)

		fmt.Fprintln(w, "\nSTEP\tSTATUS\tDETAILS")
		for _, step := range steps {
			fmt.Fprintf(w, "%s\t%s\t%s\n", step, r.StepStatuses[step], r.StepDetails[step])
		}
	}

	if len(history) > 0 {
		fmt.Fprintln(w, "\nTIME\tFIELD\tSTATUS\tDETAILS")
		for _, h := range history {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.RecordedAt.Format(time.RFC3339), h.Field, h.Status, h.Details)
		}
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
