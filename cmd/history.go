package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/history"
)

var (
	historyRunFlag   string
	historyLimitFlag int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded loop runs",
	Long: `Show loop runs recorded in the history database.

Without --run, lists the most recent runs. With --run, shows every applied
iteration and hook delivery of that run. A run ID prefix is accepted.

Examples:
  halloop history
  halloop history --limit 50
  halloop history --run 3f2a9c1d`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.history == nil {
			return errors.New("history is disabled (history.enabled in config.yaml)")
		}
		if historyRunFlag != "" {
			return runHistoryRunFn(cmd.Context(), a.history, historyRunFlag, cmd.OutOrStdout())
		}
		return runHistoryListFn(cmd.Context(), a.history, historyLimitFlag, cmd.OutOrStdout())
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyRunFlag, "run", "", "Show details for one run")
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistoryListFn(ctx context.Context, hist *history.Store, limit int, out io.Writer) error {
	runs, err := hist.Runs(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tMODE\tBRANCH\tREASON")
	for _, r := range runs {
		duration := "-"
		reason := "active"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			reason = r.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.ID), r.StartedAt.Local().Format(time.DateTime), duration, r.Mode, orNone(r.Branch), reason)
	}
	return tw.Flush()
}

func runHistoryRunFn(ctx context.Context, hist *history.Store, id string, out io.Writer) error {
	runs, err := hist.Runs(ctx, 0)
	if err != nil {
		return err
	}
	run, err := findRun(runs, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run %s on %s (%s)\n", run.ID, orNone(run.Branch), run.Mode)
	fmt.Fprintf(out, "Started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt.IsZero() {
		fmt.Fprintln(out, "Status:  active")
	} else {
		fmt.Fprintf(out, "Ended:   %s (%s)\n", run.FinishedAt.Local().Format(time.DateTime), run.Reason)
	}

	iterations, err := hist.Iterations(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(iterations) == 0 {
		fmt.Fprintln(out, "No iterations recorded.")
	} else {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ITER\tSTORY\tSTATUS\tDURATION\tTOKENS\tCOMMIT\tERROR")
		for _, it := range iterations {
			commit := it.CommitHash
			if len(commit) > 7 {
				commit = commit[:7]
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
				it.Iteration, it.StoryID, it.Status,
				(time.Duration(it.DurationMs) * time.Millisecond).Round(time.Millisecond),
				it.Tokens, orNone(commit), it.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	events, err := hist.HookEvents(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITER\tEVENT\tSTORY\tHANDLER\tSTATUS\tREASON")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.Iteration, ev.Event, ev.StoryID, orNone(ev.Handler), ev.Status, ev.Reason)
	}
	return tw.Flush()
}

// findRun matches id exactly or as a unique prefix.
func findRun(runs []history.Run, id string) (history.Run, error) {
	var matches []history.Run
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
		if len(id) >= 4 && strings.HasPrefix(r.ID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return history.Run{}, fmt.Errorf("no run %s", id)
	case 1:
		return matches[0], nil
	default:
		return history.Run{}, fmt.Errorf("run prefix %s is ambiguous (%d matches)", id, len(matches))
	}
}
