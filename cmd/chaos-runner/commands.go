package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent-chaos/internal/chaos"
	"agent-chaos/internal/config"
	"agent-chaos/internal/server"
)

func (o *rootOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("CHAOS_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if o.experimentsDir != "" {
		cfg.Runner.ExperimentsDir = o.experimentsDir
	}
	if o.reportsDir != "" {
		cfg.Runner.ReportsDir = o.reportsDir
	}
	return cfg, nil
}

func (o *rootOptions) newServer(cfg *config.Config) (*server.Server, error) {
	return server.NewServer(cfg, o.serverOpts...)
}

func runExperiments(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	srv, err := opts.newServer(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := srv.RunOnce(ctx)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if err != nil {
		return err
	}
	if summary.Failed() {
		return errRunFailed
	}
	return nil
}

func printSummary(out io.Writer, s *chaos.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXPERIMENT\tOUTCOME\tPASSED\tABORT REASON\tREPORT")
	for _, r := range s.Results {
		target := r.ReportPath
		if r.WriteError != "" {
			target = "write failed: " + r.WriteError
		}
		if r.Error != "" {
			target = "error: " + r.Error
		}
		reason := r.AbortReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", r.ExperimentID, r.Outcome, r.Passed, reason, target)
	}
	w.Flush()

	fmt.Fprintf(out, "\nrun %s: %d experiments, %d completed, %d aborted, %d crashed, %d passed",
		s.RunID, s.Total, s.Completed, s.Aborted, s.Crashed, s.Passed)
	if s.Skipped > 0 {
		fmt.Fprintf(out, ", %d skipped", s.Skipped)
	}
	if s.WriteFailures > 0 {
		fmt.Fprintf(out, ", %d report writes failed", s.WriteFailures)
	}
	fmt.Fprintln(out)
}

func buildValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and every experiment document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// validation needs neither the archive nor a connection to the agent
			cfg.Archive.Enabled = false
			cfg.Redis.Enabled = false
			cfg.Probes.Enabled = false
			cfg.Tracing.Enabled = false

			srv, err := opts.newServer(cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			specs, err := srv.Validate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tBASELINE\tCHAOS\tFAULTS\tCRITERIA\tSOURCE")
			for _, s := range specs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					s.ID, s.Type, s.BaselineTurns, s.ChaosTurns, len(s.FaultParams), len(s.SuccessCriteria), s.Source)
			}
			w.Flush()
			fmt.Fprintf(out, "\n%d experiments valid in %s\n", len(specs), cfg.Runner.ExperimentsDir)
			return nil
		},
	}
}

func buildServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control-plane API and run experiments on demand or on schedule",
		Long: `Start the control-plane HTTP API. Agents running out of process poll the
live fault state from GET /api/v1/faults; POST /api/v1/runs starts a run of the
experiments directory. When runner.schedule holds a cron expression the same
run is also triggered on that schedule, skipping ticks while a run is going.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Serve with defaults
  chaos-runner serve

  # Nightly run at 03:00
  CHAOS_SCHEDULE="0 3 * * *" chaos-runner serve --config chaos.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			srv, err := opts.newServer(cfg)
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the API port")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chaos-runner %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
