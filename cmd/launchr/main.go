package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createSweepCommand(globalFlags),
		createTokenCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "launchr",
		Short: "Approval-gated launcher for project startup scripts",
		Long: `Launchr starts project startup scripts on request, asks a privileged
actor to approve non-privileged requests, and stops the processes again
on demand, when their lease runs out, or at shutdown.

Examples:
  launchr serve --config=launchr.toml
  launchr sweep --config=launchr.toml
  launchr token --config=launchr.toml --subject=ops --role=admin`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// configPath prefers a positional argument over --config.
func configPath(flags *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return flags.ConfigPath
}
