// Cicada controller CLI. Provisions the backend cluster, scaffolds
// test projects, and runs distributed load tests against the backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cicadatesting/cicada/pkg/version"
)

// errTestFailed signals a clean run in which at least one scenario
// failed. The message is already printed by the report, so main only
// maps it to the exit code.
var errTestFailed = errors.New("one or more scenarios failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errTestFailed) {
			slog.Error("command failed", "error", err)
		}

		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "cicada",
		Short:         "Distributed load and stress testing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")

	root.AddCommand(
		newInitCommand(),
		newStartClusterCommand(),
		newStopClusterCommand(),
		newRunCommand(&debug),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
