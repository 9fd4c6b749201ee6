package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/fleetd/internal/executor"
	"github.com/nextlevelbuilder/fleetd/internal/fleet"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
)

func triggerCmd() *cobra.Command {
	var (
		prompt  string
		resume  string
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "trigger <agent>",
		Short: "Run one job for an agent and wait for it",
		Long:  "Triggers a single execution outside any schedule. Blocks until the job reaches a terminal state; the exit code reflects the outcome.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger()

			f, err := fleet.New(cfg, path, log)
			if err != nil {
				return &exitError{code: ExitConfigInvalid, err: err}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := fleet.TriggerOptions{
				Prompt:          prompt,
				TriggerSource:   jobstore.TriggerManual,
				ResumeSessionID: resume,
				BypassLimit:     true,
			}
			if verbose {
				opts.OnMessage = func(entry jobstore.OutputEntry) {
					if entry.Text != "" {
						fmt.Fprintln(os.Stderr, entry.Text)
					}
				}
			}

			res, err := f.Trigger(ctx, args[0], opts)
			if err != nil {
				if errors.Is(err, fleet.ErrAgentNotFound) {
					return &exitError{code: ExitAgentNotFound, err: err}
				}
				return err
			}

			if summary || res.Success {
				fmt.Println(res.Summary)
			}
			if res.Success {
				fmt.Fprintf(os.Stderr, "job %s completed in %.1fs (%d handoffs)\n", res.JobID, res.DurationSeconds, res.Handoffs)
				return nil
			}

			err = fmt.Errorf("job %s %s: %s", res.JobID, res.FailureKind, res.Error)
			switch res.FailureKind {
			case executor.FailTimedOut:
				return &exitError{code: ExitTimedOut, err: err}
			case executor.FailCancelled:
				return &exitError{code: ExitCancelled, err: err}
			default:
				return &exitError{code: ExitRuntimeFailed, err: err}
			}
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to run (required)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume a specific session id")
	cmd.Flags().BoolVar(&summary, "summary", false, "print the summary even on failure")
	cmd.MarkFlagRequired("prompt")
	return cmd
}
