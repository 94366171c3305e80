package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/config"
	"github.com/openfroyo/labctl/pkg/engine"
)

func newLabsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labs",
		Short: "Manage lab configurations",
		Long: `Manage lab configurations.

Labs are read from the files under LABCTL_LABS_PATH (YAML, JSON or CUE) and
from the database. A lab defined in a file takes precedence over an
imported one with the same ID.`,
	}

	cmd.AddCommand(newLabsImportCommand())
	cmd.AddCommand(newLabsListCommand())
	cmd.AddCommand(newLabsValidateCommand())
	cmd.AddCommand(newLabsDeleteCommand())

	return cmd
}

func newLabsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Import lab configurations into the database",
		Example: `  # Import a catalog file
  labctl labs import labs.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parsed, err := config.NewLabParser().Parse(args...)
			if err != nil {
				return err
			}
			if err := parsed.Err(); err != nil {
				return err
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
			for i := range parsed.Labs {
				lab := parsed.Labs[i]
				if err := store.PutLab(ctx, &lab); err != nil {
					return fmt.Errorf("failed to import lab %s: %w", lab.LabID, err)
				}
				log.Debug().Str("lab_id", lab.LabID).Msg("Imported lab")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d lab(s) from %s\n",
				len(parsed.Labs), strings.Join(parsed.SourceFiles, ", "))
			return nil
		},
	}
}

func newLabsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List lab configurations from files and the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			catalog, err := a.Catalog()
			if err != nil {
				return err
			}
			store, err := a.Store()
			if err != nil {
				return err
			}
			imported, err := store.ListLabs(ctx)
			if err != nil {
				return err
			}

			type entry struct {
				Source string                  `json:"source"`
				Lab    engine.LabConfiguration `json:"lab"`
			}
			seen := make(map[string]bool)
			var entries []entry
			for _, lab := range catalog.List() {
				seen[lab.LabID] = true
				entries = append(entries, entry{Source: "file", Lab: lab})
			}
			for _, lab := range imported {
				if seen[lab.LabID] {
					continue
				}
				entries = append(entries, entry{Source: "database", Lab: *lab})
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Lab.LabID < entries[j].Lab.LabID })

			if jsonOutput {
				if entries == nil {
					entries = []entry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LAB\tSOURCE\tSSM BASE PATH\tUSER NS\tGROUPS\tROLES\tDISABLED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%t\n",
					e.Lab.LabID, e.Source, e.Lab.SSMBasePath, e.Lab.UserNamespace,
					len(e.Lab.GroupNames), len(e.Lab.NamespaceRoles), e.Lab.Disabled)
			}
			return w.Flush()
		},
	}
}

func newLabsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Validate lab catalog files without importing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := config.NewLabParser().Parse(args...)
			if err != nil {
				return err
			}

			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), parsed); perr != nil {
					return perr
				}
				return parsed.Err()
			}

			for _, e := range parsed.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n", e.Error())
			}
			if err := parsed.Err(); err != nil {
				return fmt.Errorf("%d problem(s) in %d file(s)", len(parsed.Errors), len(parsed.SourceFiles))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d lab(s) in %d file(s) are valid\n", len(parsed.Labs), len(parsed.SourceFiles))
			return nil
		},
	}
}

func newLabsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <labID>",
		Short: "Delete an imported lab configuration",
		Args:  cobra.ExactArgs(1),
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
			if err := store.DeleteLab(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted lab %s\n", args[0])
			return nil
		},
	}
}
