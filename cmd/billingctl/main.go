package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/billrun/internal"
	"github.com/dukerupert/billrun/internal/bootstrap"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the billing engine: run jobs, inspect runs, migrate the schema",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (overrides BILLING_CONFIG)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(migrateCmd())

	return rootCmd
}

// loadConfig applies the --config flag before the usual env and file lookup.
func loadConfig(cmd *cobra.Command) (*internal.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("BILLING_CONFIG", path); err != nil {
			return nil, err
		}
	}
	cfg, err := internal.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}
	return cfg, nil
}

// cliLogger keeps stdout for command output. Engine logs go to stderr and
// only at warn and above unless --verbose is set.
func cliLogger(cmd *cobra.Command, cfg *internal.Config) *slog.Logger {
	level := "warn"
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = cfg.LogLevel
	}
	return internal.NewLogger(cmd.ErrOrStderr(), cfg.Env, level)
}

// openApp builds the engine without the HTTP surface or scheduler.
func openApp(cmd *cobra.Command) (*bootstrap.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return bootstrap.New(commandContext(cmd), cfg, cliLogger(cmd, cfg))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
