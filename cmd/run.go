package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/output"
)

var runEngineFlag string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Continue the active loop until it terminates",
	Long: `Continue the active loop, one iteration after another, until it terminates.

Interrupting with Ctrl-C leaves the loop state in place; run 'halloop run'
again to resume from the same iteration. Use 'halloop cancel' to stop for good.

Examples:
  halloop run                 # Resume with the configured engine
  halloop run -e command      # Resume with the generic command executor`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx, halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := loopstate.New(a.halDir).Load()
		if err != nil {
			return err
		}
		eng, err := a.newEngine(runEngineFlag)
		if err != nil {
			return err
		}
		return runLoopFn(ctx, a, eng, st, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runEngineFlag, "engine", "e", "", "Executor engine (default from config)")
	rootCmd.AddCommand(runCmd)
}

// runLoopFn drives the active loop to termination.
func runLoopFn(ctx context.Context, a *app, eng engine.Engine, st *loopstate.State, out io.Writer) error {
	display := engine.NewDisplay(out)
	display.ShowLoopHeader(eng.Name(), string(st.ExecutionMode), st.MaxIterations)

	sum, err := a.newController(eng, display).Run(ctx)
	if errors.Is(err, context.Canceled) {
		display.ShowInfo("Interrupted; the loop is still active. Resume with 'halloop run'.\n")
		return fmt.Errorf("interrupted at iteration %d", st.Iteration+sum.Iterations)
	}
	if err != nil {
		return err
	}

	p := output.New(out)
	p.Terminated(string(sum.Reason), sum.Detail)
	p.Tally(sum.Passed, sum.Blocked, sum.Total)
	return nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
