package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/stores"
)

const exportPageSize = 500

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Export and import deployment records",
		Long: `Export and import deployment records as JSON.

The import accepts the flags created_namespace and created_user either as
booleans or as the "True"/"False" strings written by older tables.`,
	}

	cmd.AddCommand(newStateExportCommand())
	cmd.AddCommand(newStateImportCommand())

	return cmd
}

func newStateExportCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every deployment record as a JSON array",
		Example: `  # Export to a file
  labctl state export --out deployments.json`,
		Args: cobra.NoArgs,
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

			records := []*engine.DeploymentRecord{}
			for offset := 0; ; offset += exportPageSize {
				page, err := store.ListDeployments(ctx, stores.ListFilter{Limit: exportPageSize, Offset: offset})
				if err != nil {
					return err
				}
				records = append(records, page...)
				if len(page) < exportPageSize {
					break
				}
			}

			out := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				out = f
			}
			if err := printJSON(out, records); err != nil {
				return err
			}
			if outFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d record(s) to %s\n", len(records), outFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")

	return cmd
}

func newStateImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file|-]",
		Short: "Import deployment records from a JSON array",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var docs []stores.RecordDocument
			if err := json.Unmarshal(data, &docs); err != nil {
				return engine.NewValidationError(fmt.Sprintf("invalid state document: %v", err))
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			store, err := a.Store()
			if err != nil {
				return err
			}
			for i := range docs {
				if err := store.ImportRecord(ctx, docs[i].ToRecord()); err != nil {
					return fmt.Errorf("record %d (%s): %w", i, docs[i].DeploymentID, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d record(s)\n", len(docs))
			return nil
		},
	}
}
