package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/actions"
	"github.com/openfroyo/labctl/pkg/app"
	"github.com/openfroyo/labctl/pkg/config"
	"github.com/openfroyo/labctl/pkg/engine"
)

var (
	// Global flags
	envFile      string
	jsonOutput   bool
	localActions bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labctl",
		Short: "labctl - lab deployment orchestrator",
		Long: `labctl provisions and tears down per-user lab environments.

A deployment record is created by dispatch, provisioned when its INSERT event
is handled, and removed again when the record expires or is deleted.
Provisioning steps are remote actions addressed by name.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file instead of ./.env")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&localActions, "local-actions", false,
		"answer every configured action locally with status 200 (development only)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newHandleCommand())
	rootCmd.AddCommand(newDispatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newLabsCommand())
	rootCmd.AddCommand(newStateCommand())

	return rootCmd
}

// openApp loads settings and registers the services. The caller must Close it.
func openApp() (*app.App, error) {
	settings, err := config.LoadSettings(envFile)
	if err != nil {
		return nil, err
	}
	opts := app.Options{Settings: settings, Version: buildVersion}
	if localActions {
		opts.Invoker = localInvoker(settings.Actions)
	}
	return app.New(opts), nil
}

// localInvoker answers the configured actions in-process. Any other name, such
// as a lab's pre or post action, gets a plain 200.
func localInvoker(names engine.ActionNames) *actions.Registry {
	registry := actions.NewRegistry()
	for _, name := range []string{names.CreateNamespace, names.CreateUser, names.RemoveNamespace, names.RemoveUser} {
		if name != "" {
			registry.Register(name, actions.Succeed(fmt.Sprintf("%s handled locally", name)))
		}
	}
	registry.SetFallback(actions.Succeed("handled locally"))
	return registry
}

func closeApp(ctx context.Context, a *app.App) {
	if err := a.Close(ctx); err != nil {
		logger := a.Logger()
		logger.Warn().Err(err).Msg("Failed to release resources")
	}
}

// readInput reads a file argument, or stdin when it is "-" or absent.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return data, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
