package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/loop"
	"github.com/jywlabs/halloop/internal/output"
)

var stepEngineFlag string

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run exactly one iteration of the active loop",
	Long: `Run exactly one iteration of the active loop and exit.

Every iteration reloads the loop state and story set from disk, so an
external scheduler (cron, CI, a shell loop) can drive the loop by calling
'halloop step' repeatedly. Exit code 4 means no loop is active.

Example:
  while halloop step; do :; done`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx, halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		eng, err := a.newEngine(stepEngineFlag)
		if err != nil {
			return err
		}
		c := a.newController(eng, engine.NewDisplay(cmd.OutOrStdout()))
		return runStepFn(ctx, c, cmd.OutOrStdout())
	},
}

func init() {
	stepCmd.Flags().StringVarP(&stepEngineFlag, "engine", "e", "", "Executor engine (default from config)")
	rootCmd.AddCommand(stepCmd)
}

// runStepFn runs one iteration and prints what happened.
func runStepFn(ctx context.Context, c *loop.Controller, out io.Writer) error {
	res, err := c.Step(ctx)
	if err != nil {
		return err
	}

	p := output.New(out)
	if len(res.Selected) > 0 {
		fmt.Fprintf(out, "Iteration %d\n", res.Iteration)
	}
	for _, a := range res.Applied {
		p.Story(a.StoryID, string(a.Status), a.Passes, a.Reason)
	}
	if res.Terminated {
		p.Terminated(string(res.Reason), res.Detail)
	}
	p.Tally(res.Passed, res.Blocked, res.Total)
	return nil
}
