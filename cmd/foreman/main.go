package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	globalConfig  string
	projectConfig string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Drive coding agents from a goal to a verified change",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `foreman runs a goal through investigation, planning, parallel execution,
verification and a documentation pass, feeding failures back to a fixer agent
until the change is verified or the iteration budget is spent.`,
	}
	root.PersistentFlags().StringVar(&flags.globalConfig, "global-config", "", "Global config file (default: ~/.foreman/config.json)")
	root.PersistentFlags().StringVar(&flags.projectConfig, "config", "", "Project config file (default: .foreman/config.json)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newRunsCmd(flags))
	root.AddCommand(newHistoryCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	return root
}
