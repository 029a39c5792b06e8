package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X heirloom/internal/cli.Version=...".
var Version = "dev"

// NewRootCommand builds the settlementctl command tree.
func NewRootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "settlementctl",
		Short: "Operate the estate settlement and claim arbitration services",
		Long: `settlementctl is the operator tool for heirloom.

It previews distributions from a plan file, migrates the postgres schema
and runs the background worker (outbox relays, claim deadline sweep,
release eligibility consumer).

Runtime settings come from the environment (POSTGRES_DSN, OPS_HTTP_PORT, ...).`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newVersionCommand(),
		newPlanCommand(),
		newMigrateCommand(),
		newWorkerCommand(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "settlementctl %s\n", Version)
}

// Main runs the CLI and maps failures to exit code 1.
func Main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
