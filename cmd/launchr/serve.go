package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/launchr"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the launchr HTTP service",
		Long: `Run the HTTP API, the lease reaper and the resource sampler.
On SIGINT or SIGTERM in-flight requests are drained and every process
still marked running is stopped before the store is closed.

Examples:
  launchr serve --config=launchr.toml
  LAUNCHR_SERVER_LISTEN=:9000 launchr serve launchr.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(globalFlags, args))
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := launchr.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	lock, err := acquireLock(ctx, cfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := launchr.Open(ctx, cfg, launchr.Options{})
	if err != nil {
		return err
	}
	return app.Serve(ctx)
}
