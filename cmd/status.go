package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/state"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-agent fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store := jobstore.NewStore(cfg.Fleet.StateRoot)
			sessions := state.NewSessionStore(cfg.Fleet.StateRoot)
			jobs, err := store.List()
			if err != nil {
				return err
			}

			type agentStats struct {
				running int
				last    *jobstore.Job
			}
			stats := make(map[string]*agentStats)
			for name := range cfg.Agents {
				stats[name] = &agentStats{}
			}
			for i := range jobs {
				st, ok := stats[jobs[i].AgentName]
				if !ok {
					continue
				}
				if !jobstore.IsTerminalStatus(jobs[i].Status) {
					st.running++
				}
				if st.last == nil {
					st.last = &jobs[i]
				}
			}

			names := make([]string, 0, len(stats))
			for name := range stats {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tRUNNING\tLAST JOB\tSTATUS\tFINISHED\tSESSION")
			for _, name := range names {
				st := stats[name]
				lastID, lastStatus, finished := "-", "-", "-"
				if st.last != nil {
					lastID = st.last.ID
					lastStatus = st.last.Status
					if st.last.FinishedAt != nil {
						finished = st.last.FinishedAt.Format(time.RFC3339)
					}
				}
				session := "-"
				if rec, err := sessions.Get(name); err == nil && rec != nil {
					session = fmt.Sprintf("%s (%d jobs)", rec.SessionID, rec.JobCount)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", name, st.running, lastID, lastStatus, finished, session)
			}
			return w.Flush()
		},
	}
}
