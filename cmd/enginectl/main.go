package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createStatusCommand(globalFlags),
		createAbortCommand(globalFlags),
		createEventsCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Supervisor for a local HTTP engine",
		Long: `enginectl launches a local HTTP engine, waits until it answers and
tells clients where it can be reached.

Examples:
  enginectl serve --config enginectl.toml   # run the daemon
  enginectl start                           # start the engine through the daemon
  enginectl status
  enginectl events                          # follow progress, output and status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default from [server] in config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "control API request timeout")
	return root
}
