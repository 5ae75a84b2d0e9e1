package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/loopstate"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active loop",
	Long: `Cancel the active loop by removing its state file.

A process running the loop notices at its next checkpoint, applies the
results already in flight, and ends with reason Cancelled.
Exit code 4 means no loop was active.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()
		return runCancelFn(cmd.Context(), a.halDir, a.history, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

// runCancelFn removes the loop state. hist may be nil.
func runCancelFn(ctx context.Context, halDir string, hist *history.Store, out io.Writer) error {
	state := loopstate.New(halDir)
	st, err := state.Load()
	if errors.Is(err, loopstate.ErrStaleState) {
		if err := state.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Removed stale loop state")
		return nil
	}
	if err != nil {
		return err
	}

	if err := state.Clear(); err != nil {
		return err
	}
	if hist != nil {
		if err := hist.FinishRun(ctx, st.RunID, "Cancelled", time.Now().UTC()); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Cancelled loop %s at iteration %d\n", shortRunID(st.RunID), st.Iteration)
	return nil
}
