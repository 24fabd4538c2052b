package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotamux/internal/api"
	"github.com/quotaguard/quotamux/internal/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the quotamux server",
	Long: `Start the HTTP server and the background sync loop.

Connectors call /v1/route with the connector key; management endpoints
live under /admin. The config file is watched and sync settings are
applied without a restart.

Example:
  quotamux serve --config quotamux.yaml --port 8318`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 0, "Shutdown timeout (overrides config)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		"path", loader.Path(),
		"oauth_profiles", len(cfg.OAuth.Profiles),
		"store", cfg.Store.Path,
	)

	loader.SetOnChange(func(next *config.Config) {
		a.syncer.UpdateConfig(next.Sync)
		a.logger.Info("sync settings reloaded", "path", loader.Path())
	})
	loader.SetOnError(func(err error) {
		a.logger.Warn("config reload failed", "path", loader.Path(), "error", err)
	})
	go func() {
		if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("config watch stopped", "error", err)
		}
	}()

	if err := a.syncer.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("failed to start sync loop: %w", err)
	}

	server := api.NewServer(cfg.Server, a.router, a.oauth,
		api.WithLogger(a.logger),
		api.WithMetrics(a.metrics),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	signals := api.SetupSignalHandler()
	var runErr error
	select {
	case sig := <-signals:
		a.logger.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-errCh:
		a.logger.Error("server stopped", "error", runErr)
	}

	cancel()
	err = api.ShutdownAll(cfg.Server.ShutdownTimeout,
		server,
		api.ShutdownFunc(func(context.Context) error { return a.Close() }),
	)
	if runErr != nil {
		return runErr
	}
	return err
}
