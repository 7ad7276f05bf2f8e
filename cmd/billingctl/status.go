package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/jobs"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job]",
		Short: "Show whether a job is running and how its last run ended",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobName := jobs.JobBillingCycle
			if len(args) == 1 {
				jobName = args[0]
			}

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Runner.Status(commandContext(cmd), jobName)
			if err != nil {
				return err
			}
			return printStatus(out(cmd), jobName, report, wantJSON(cmd))
		},
	}
}

func printStatus(w io.Writer, jobName string, report domain.JobStatusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Job %s\n", jobName)
	fmt.Fprintln(w, strings.Repeat("=", 40))
	if report.Running {
		fmt.Fprintln(w, "Running:    yes")
	} else {
		fmt.Fprintln(w, "Running:    no")
	}

	if report.LastRun == nil {
		fmt.Fprintln(w, "\nLast run:   (never)")
		return nil
	}
	fmt.Fprintln(w, "\nLast run:")
	return printRun(w, *report.LastRun, false)
}
