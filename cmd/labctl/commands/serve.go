package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/labctl/pkg/server"
)

func newServeCommand() *cobra.Command {
	var (
		addr    string
		noWatch bool
		noSweep bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake, expiry sweep and metrics",
		Long: `Run the long-lived process:

  - POST /v1/events and POST /v1/dispatch accept change events and queue messages
  - GET /v1/deployments and GET /v1/deployments/:id expose the records
  - GET /healthz and GET /metrics report health and metrics
  - expired deployments are swept every LABCTL_SWEEP_INTERVAL
  - the lab catalog and policy files are reloaded when they change`,
		Example: `  # Serve on the configured address
  labctl serve

  # Serve locally without a remote action gateway
  labctl serve --addr :9090 --local-actions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(context.Background(), a)

			if err := a.Settings.ValidateActions(); err != nil {
				return err
			}
			tel, err := a.Telemetry()
			if err != nil {
				return err
			}
			logger := tel.Logger.Zerolog()

			// Resolve the workflow services up front so configuration errors fail the start.
			if _, err := a.Dispatcher(); err != nil {
				return err
			}
			reaper, err := a.Reaper()
			if err != nil {
				return err
			}

			if !noWatch {
				if err := a.Watch(ctx); err != nil {
					return err
				}
			}
			if !noSweep {
				go reaper.Run(ctx, a.Settings.SweepInterval)
			}
			if err := tel.Metrics.StartMetricsServer(ctx, logger); err != nil {
				return err
			}

			if addr == "" {
				addr = a.Settings.HTTPAddr
			}
			srv := server.New(&server.Config{Addr: addr, Logger: logger}, a.Injector)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down server")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default LABCTL_HTTP_ADDR)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload lab and policy files on change")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not sweep expired deployments")

	return cmd
}
