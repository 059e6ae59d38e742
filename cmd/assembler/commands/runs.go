package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/stores"
)

// newRunsCommand groups the read-only views over the run store.
func newRunsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted runs",
	}
	cmd.AddCommand(newRunsListCommand(a))
	cmd.AddCommand(newRunsShowCommand(a))
	cmd.AddCommand(newRunsStatsCommand(a))
	return cmd
}

func newRunsListCommand(a *app) *cobra.Command {
	var (
		assemblyID string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a)
			if err != nil {
				return err
			}
			defer store.Close()

			// Newest first
			runs, err := store.ListRuns(ctx, assemblyID, limit, 0)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(w, runs)
			}
			t := newTable(w, "Run", "Assembly", "Phase", "Started", "Completed", "Error")
			for _, r := range runs {
				// Runs still in flight have no completion time
				started, completed, errMsg := "", "", ""
				if r.StartedAt != nil {
					started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
				}
				if r.CompletedAt != nil {
					completed = r.CompletedAt.Local().Format("2006-01-02 15:04:05")
				}
				if r.Error != nil {
					errMsg = truncate(*r.Error, 50)
				}
				t.AppendRow([]any{r.ID, r.AssemblyID, r.Phase, started, completed, errMsg})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&assemblyID, "assembly", "", "only list runs of this assembly")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}

func newRunsShowCommand(a *app) *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the attempts and events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a)
			if err != nil {
				return err
			}
			defer store.Close()

			// Load the run, its attempts and optionally its events
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			attempts, err := store.ListStepResults(ctx, stores.StepFilter{RunID: run.ID})
			if err != nil {
				return err
			}
			var events []*stores.EventRecord
			if showEvents {
				if events, err = store.ListEvents(ctx, run.ID, 0, 0); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(w, map[string]any{"run": run, "attempts": attempts, "events": events})
			}

			fmt.Fprintf(w, "Run %s of %s: %s\n", run.ID, run.AssemblyID, run.Phase)
			if run.Error != nil {
				fmt.Fprintf(w, "Error: %s\n", *run.Error)
			}

			// Attempts in the order they were recorded
			t := newTable(w, "#", "Step", "Attempt", "Handler", "Result", "Duration", "Peak force", "Error")
			for i, r := range attempts {
				t.AppendRow([]any{
					i + 1, r.StepID, r.Attempt, r.HandlerUsed, okString(r.Success),
					fmt.Sprintf("%dms", r.DurationMS), fmt.Sprintf("%.2f", r.PeakForce), truncate(r.ErrorMessage, 50),
				})
			}
			t.Render()

			if showEvents {
				et := newTable(w, "Time", "Type", "Step", "Level", "Message")
				for _, e := range events {
					et.AppendRow([]any{e.Timestamp.Local().Format("15:04:05.000"), e.Type, e.StepID, e.Level, truncate(e.Message, 60)})
				}
				et.Render()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event log")
	return cmd
}

func newRunsStatsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <assembly-id>",
		Short: "Per-step success statistics across every recorded attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a)
			if err != nil {
				return err
			}
			defer store.Close()

			// Aggregated over every run of the assembly
			stats, err := store.StepStats(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(w, stats)
			}
			t := newTable(w, "Step", "Attempts", "Successes", "Success rate", "Avg duration", "Max peak force")
			for _, s := range stats {
				t.AppendRow([]any{
					s.StepID, s.Attempts, s.Successes, fmt.Sprintf("%.0f%%", 100*s.SuccessRate()),
					fmt.Sprintf("%.0fms", s.AvgDurationMS), fmt.Sprintf("%.2f", s.MaxPeakForce),
				})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}
