package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const sampleEnv = `# labctl settings
LABCTL_DATABASE_PATH=%s
LABCTL_LABS_PATH=%s
# LABCTL_POLICY_PATH=./policies
LABCTL_ACTIONS_URL=http://localhost:9000
CREATE_NAMESPACE_ACTION=create-namespace
CREATE_USER_ACTION=create-user
REMOVE_NAMESPACE_ACTION=remove-namespace
REMOVE_USER_ACTION=remove-user
LABCTL_TTL=300
LOG_LEVEL=info
`

const sampleLabs = `labs:
  - lab_id: intro
    ssm_base_path: /labs/intro
    group_names:
      - students
    namespace_roles:
      - namespace: shared
        role: viewer
    user_ns: true
`

func newInitCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a labctl workspace",
		Long: `Initialize a workspace: create the data directory, the database with its
migrations applied, a sample .env and a sample lab catalog. Existing files
are left untouched.`,
		Example: `  # Initialize in the current directory
  labctl init

  # Initialize elsewhere
  labctl init --dir /srv/labctl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			dataDir := filepath.Join(dir, "data")
			labsDir := filepath.Join(dir, "labs")
			dbPath := filepath.Join(dataDir, "labctl.db")
			envPath := filepath.Join(dir, ".env")

			log.Info().Str("dir", dir).Msg("Initializing workspace")

			for _, d := range []string{dataDir, labsDir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", d)
			}

			if err := writeIfMissing(envPath, fmt.Sprintf(sampleEnv, dbPath, labsDir)); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Environment file: %s\n", envPath)

			if err := writeIfMissing(filepath.Join(labsDir, "labs.yaml"), sampleLabs); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Lab catalog: %s\n", labsDir)

			if envFile == "" {
				envFile = envPath
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
			if err := store.HealthCheck(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized database: %s\n", a.Settings.DatabasePath)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Point LABCTL_ACTIONS_URL and the action names in %s at your action gateway\n", envPath)
			fmt.Fprintf(out, "  2. labctl serve\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")

	return cmd
}

func writeIfMissing(path, content string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
