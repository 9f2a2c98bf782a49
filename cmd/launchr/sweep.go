package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/launchr"
)

func createSweepCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [config.toml]",
		Short: "Stop every process the store marks running",
		Long: `Terminate the process tree of every running startup request and mark
the request stopped. Use it after a crash left processes behind. It
refuses to run while a launchr service holds the same store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), configPath(globalFlags, args), cmd.OutOrStdout())
		},
	}
}

func runSweep(ctx context.Context, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := launchr.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	lock, err := acquireLock(ctx, cfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	app, err := launchr.Open(ctx, cfg, launchr.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	outcomes := app.Sweep(ctx)
	return printOutcomes(out, outcomes)
}

func printOutcomes(out io.Writer, outcomes []launchr.Outcome) error {
	if len(outcomes) == 0 {
		_, err := fmt.Fprintln(out, "nothing running")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "REQUEST\tPROJECT\tRESULT\tPIDS")
	failed := 0
	for _, o := range outcomes {
		result := "stopped"
		if !o.Success {
			failed++
			result = "failed: " + errString(o.Err)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", o.RequestID, o.ProjectRef, result, o.Terminated)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed to stop cleanly", failed, len(outcomes))
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
