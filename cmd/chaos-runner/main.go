// Command chaos-runner drives a conversational agent through scripted chaos
// experiments and writes one JSON report per experiment.
//
// Run every experiment in the configured directory:
//
//	chaos-runner
//
// Check the experiment documents without running them:
//
//	chaos-runner validate
//
// Serve the control-plane API, optionally on a cron schedule:
//
//	chaos-runner serve --config chaos.yaml
//
// The configuration file is optional. CHAOS_CONFIG names one when --config is
// not given, and every CHAOS_* variable overrides the file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agent-chaos/internal/server"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errRunFailed marks a run that crashed an experiment or lost a report. The
// details were already printed.
var errRunFailed = errors.New("chaos run failed")

func main() {
	server.Version = version

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath     string
	experimentsDir string
	reportsDir     string
	serverOpts     []server.Option
}

func buildRootCmd(serverOpts ...server.Option) *cobra.Command {
	opts := &rootOptions{serverOpts: serverOpts}

	rootCmd := &cobra.Command{
		Use:   "chaos-runner",
		Short: "Run chaos experiments against a conversational agent",
		Long: `chaos-runner executes every experiment document in the experiments directory
one after another. Each experiment runs a baseline, injects its faults for the
chaos phase, clears them and watches the agent recover. Kill-switch guardrails
abort an experiment early. One JSON report per experiment lands in the reports
directory.

Aborted experiments are results, not failures: the exit code is non-zero only
when an experiment crashed or a report could not be written.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiments(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file (or set CHAOS_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.experimentsDir, "experiments", "", "Override the experiments directory")
	rootCmd.PersistentFlags().StringVar(&opts.reportsDir, "reports", "", "Override the reports directory")

	rootCmd.AddCommand(
		buildValidateCmd(opts),
		buildServeCmd(opts),
		buildVersionCmd(),
	)
	return rootCmd
}
