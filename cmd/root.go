// Package cmd holds the fleetd command tree.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/fleetd/cmd.Version=v1.0.0"
var Version = "dev"

// Exit codes. Scripts branch on these, keep them stable.
const (
	ExitOK            = 0
	ExitError         = 1
	ExitConfigInvalid = 2
	ExitAgentNotFound = 3
	ExitRuntimeFailed = 4
	ExitTimedOut      = 5
	ExitCancelled     = 6
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "fleetd",
	Short:         "fleetd — agent fleet supervisor",
	Long:          "fleetd runs a fleet of AI coding agents from one process: scheduled jobs, chat triggers, issue-tracker routing, webhooks, and context-handoff session management.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: fleet.json5 or $FLEETD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(statusCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("FLEETD_CONFIG"); v != "" {
		return v
	}
	return "fleet.json5"
}

// loadConfig loads and validates the config, mapping failure to the config
// exit code.
func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, &exitError{code: ExitConfigInvalid, err: err}
	}
	return cfg, path, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitError carries a process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and exits with the mapped code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitError)
	}
}
