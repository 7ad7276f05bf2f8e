package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/jobs"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job]",
		Short: "Run a job once and wait for it to finish",
		Long: `Run a job synchronously in this process. Defaults to the billing cycle.

The run is recorded like a scheduled one, so a second run of the same job
is refused while this one is in progress. Interrupting the command stops
the cycle from taking new invoices and records the run as failed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobName := jobs.JobBillingCycle
			if len(args) == 1 {
				jobName = args[0]
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			run, runErr := app.Runner.Run(ctx, jobName)
			if run.ID == "" {
				return runErr
			}
			if err := printRun(out(cmd), run, wantJSON(cmd)); err != nil {
				return err
			}
			return runErr
		},
	}
}

func printRun(w io.Writer, run domain.JobRun, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Fprintf(w, "Run:        %s\n", run.ID)
	fmt.Fprintf(w, "Job:        %s\n", run.JobName)
	fmt.Fprintf(w, "Status:     %s\n", run.Status)
	fmt.Fprintf(w, "Processed:  %d\n", run.ItemsProcessed)
	fmt.Fprintf(w, "Started:    %s\n", run.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Duration:   %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", run.Error)
	}
	return nil
}
