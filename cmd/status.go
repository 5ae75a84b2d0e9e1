package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/output"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/scheduler"
	"github.com/jywlabs/halloop/internal/template"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show loop state, story tally and next selection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()
		return runStatusFn(cmd.Context(), a.halDir, a.cfg.MaxParallel, a.history, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// runStatusFn prints the loop position, every story, the tally, the next
// selection and recent runs. hist may be nil.
func runStatusFn(ctx context.Context, halDir string, maxParallel int, hist *history.Store, out io.Writer) error {
	p := output.New(out)

	prdPath := filepath.Join(halDir, template.PRDFile)
	var mode prd.ExecutionMode

	st, err := loopstate.New(halDir).Load()
	switch {
	case err == nil:
		p.Loop(st.Iteration, st.MaxIterations, string(st.ExecutionMode))
		if st.PRDPath != "" {
			prdPath = st.PRDPath
		}
		mode = st.ExecutionMode
	case errors.Is(err, loopstate.ErrNotActive):
		p.NoLoop()
	case errors.Is(err, loopstate.ErrStaleState):
		fmt.Fprintf(out, "Loop state is stale and will be discarded by the next command: %v\n", err)
	default:
		return err
	}

	store, err := prd.Load(prdPath)
	if errors.Is(err, prd.ErrNotFound) && st == nil {
		fmt.Fprintf(out, "No story set at %s\n", prdPath)
		return nil
	}
	if err != nil {
		return err
	}
	story := store.PRD()
	if mode == "" {
		mode = story.Settings.ExecutionMode
	}

	passed, blocked, total := store.Progress()

	fmt.Fprintln(out)
	p.StoryCount(total - passed - blocked)
	for _, s := range story.UserStories {
		p.Story(s.ID, s.Title, s.Passes, s.BlockedReason)
	}
	fmt.Fprintln(out)
	p.Tally(passed, blocked, total)
	k := story.Settings.MaxParallel
	if k <= 0 {
		k = maxParallel
	}
	p.Next(scheduler.Next(story, mode, k).IDs())

	if hist == nil {
		return nil
	}
	runs, err := hist.Runs(ctx, 5)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Recent runs:")
	for _, r := range runs {
		reason := r.Reason
		if reason == "" {
			reason = "active"
		}
		fmt.Fprintf(out, "  %s  %s  %-10s %s\n", shortRunID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Mode, reason)
	}
	return nil
}
