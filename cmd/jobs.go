package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect job records",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsShowCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var (
		agent string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store := jobstore.NewStore(cfg.Fleet.StateRoot)
			jobs, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tAGENT\tSTATUS\tTRIGGER\tSTARTED\tHANDOFFS\tSUMMARY")
			shown := 0
			for _, job := range jobs {
				if agent != "" && job.AgentName != agent {
					continue
				}
				if limit > 0 && shown >= limit {
					break
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					job.ID, job.AgentName, job.Status, job.TriggerSource,
					job.StartedAt.Format(time.RFC3339), job.Tokens.HandoffCount,
					truncate(job.Summary, 60))
				shown++
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "only jobs for this agent")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to show (0 = all)")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	var output bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store := jobstore.NewStore(cfg.Fleet.StateRoot)
			job, err := store.Get(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:      %s\n", job.ID)
			fmt.Fprintf(out, "Agent:    %s\n", job.AgentName)
			fmt.Fprintf(out, "Status:   %s\n", job.Status)
			fmt.Fprintf(out, "Trigger:  %s\n", job.TriggerSource)
			if job.ScheduleName != "" {
				fmt.Fprintf(out, "Schedule: %s\n", job.ScheduleName)
			}
			if job.WorkItemID != "" {
				fmt.Fprintf(out, "Work:     %s\n", job.WorkItemID)
			}
			if job.SessionID != "" {
				fmt.Fprintf(out, "Session:  %s\n", job.SessionID)
			}
			fmt.Fprintf(out, "Started:  %s\n", job.StartedAt.Format(time.RFC3339))
			if job.FinishedAt != nil {
				fmt.Fprintf(out, "Finished: %s\n", job.FinishedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Tokens:   input=%d output=%d handoffs=%d\n",
				job.Tokens.CumulativeInput, job.Tokens.LastOutput, job.Tokens.HandoffCount)
			if job.Summary != "" {
				fmt.Fprintf(out, "\n%s\n", job.Summary)
			}
			if job.Error != "" {
				fmt.Fprintf(out, "\nError: %s\n", job.Error)
			}

			if output {
				entries, err := store.ReadOutput(job.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "\n--- output ---")
				for _, e := range entries {
					tag := e.Type
					if e.Subtype != "" {
						tag += "/" + e.Subtype
					}
					fmt.Fprintf(out, "[%s] %s %s\n", e.At.Format("15:04:05"), tag, truncate(e.Text, 200))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&output, "output", false, "include the job output log")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
