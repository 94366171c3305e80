package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

func newHandleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handle [file|-]",
		Short: "Process a batch of deployment change events",
		Long: `Process a batch of deployment change events.

INSERT events run the provisioning steps, REMOVE events run the teardown
steps and every other event is ignored. The input is either a batch
{"Records": [...]} or a single record. Every event is attempted; the
command fails when any of them failed so that the batch can be redelivered.`,
		Example: `  # Handle a batch file
  labctl handle events.json

  # Handle a single event from stdin
  echo '{"eventName":"REMOVE","dynamodb":{"Keys":{"depID":{"S":"dep-1"}}}}' | labctl handle -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			batch, err := engine.ParseStreamBatch(data)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			tel, err := a.Telemetry()
			if err != nil {
				return err
			}
			handler, err := a.Handler()
			if err != nil {
				return err
			}

			op := telemetry.StartOperation(tel.WithContext(ctx), "handle_events")
			err = handler.HandleBatch(op.Ctx, batch)
			op.End(err)

			if jsonOutput {
				out := map[string]interface{}{"records": len(batch.Records)}
				if err != nil {
					out["error"] = err.Error()
				}
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Handled %d event(s)\n", len(batch.Records))
			return nil
		},
	}

	return cmd
}
