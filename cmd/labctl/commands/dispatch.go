package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/engine"
)

func newDispatchCommand() *cobra.Command {
	var (
		msg        engine.DispatchMessage
		generateID bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch [file|-]",
		Short: "Create deployments or extend their TTL",
		Long: `Create a deployment record for each message, or extend the TTL of a record
that already exists. A new record is provisioned immediately.

Messages are read from a queue batch {"Records": [{"body": "<json>"}]}, a
single message, or built from flags.`,
		Example: `  # Dispatch one deployment from flags
  labctl dispatch --lab-id intro --email ada@example.com --petname ada-lab --generate-id

  # Dispatch a queue batch
  labctl dispatch messages.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fromFlags := msg.LabID != "" || msg.Email != "" || msg.Petname != "" || msg.DeploymentID != ""

			var (
				batch  *engine.QueueBatch
				single *engine.DispatchMessage
			)
			switch {
			case fromFlags && len(args) > 0:
				return errors.New("use either message flags or an input file, not both")
			case fromFlags:
				m := msg
				if m.DeploymentID == "" && generateID {
					m.DeploymentID = uuid.New().String()
				}
				single = &m
			default:
				data, err := readInput(cmd, args)
				if err != nil {
					return err
				}
				if bytes.Contains(data, []byte(`"Records"`)) {
					batch = &engine.QueueBatch{}
					if err := json.Unmarshal(data, batch); err != nil {
						return engine.NewValidationError(fmt.Sprintf("invalid dispatch batch: %v", err))
					}
				} else {
					single = &engine.DispatchMessage{}
					if err := json.Unmarshal(data, single); err != nil {
						return engine.NewValidationError(fmt.Sprintf("invalid dispatch message: %v", err))
					}
				}
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			dispatcher, err := a.Dispatcher()
			if err != nil {
				return err
			}

			var results []*engine.DispatchResult
			if single != nil {
				var res *engine.DispatchResult
				res, err = dispatcher.Dispatch(ctx, *single)
				if res != nil {
					results = append(results, res)
				}
			} else {
				results, err = dispatcher.DispatchBatch(ctx, batch)
			}

			if jsonOutput {
				if results == nil {
					results = []*engine.DispatchResult{}
				}
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return perr
				}
				return err
			}
			for _, res := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\texpires %s\n",
					res.DeploymentID, res.Outcome, res.ExpiresAt.Format(time.RFC3339))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&msg.DeploymentID, "dep-id", "", "deployment ID")
	cmd.Flags().StringVar(&msg.LabID, "lab-id", "", "lab ID")
	cmd.Flags().StringVar(&msg.Email, "email", "", "user email")
	cmd.Flags().StringVar(&msg.Petname, "petname", "", "user petname, also the namespace name")
	cmd.Flags().BoolVar(&generateID, "generate-id", false, "generate a deployment ID when --dep-id is empty")

	return cmd
}
