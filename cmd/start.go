package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/archive"
	"github.com/jywlabs/halloop/internal/config"
	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/template"
)

// startOptions holds the start command flags.
type startOptions struct {
	prdPath          string
	maxIterations    int
	maxIterationsSet bool
	mode             string
	promise          string
	prompt           string
	noRun            bool
	engine           string
}

var startFlags startOptions

var startCmd = &cobra.Command{
	Use:   "start [prd-path]",
	Short: "Start a new loop",
	Long: `Start a new loop over the stories of a prd.json and run it until it terminates.

Only one loop can be active per state directory; starting a second one fails
with exit code 3. When the story set belongs to a different branch than the
last one started, the previous prd.json and progress.txt are archived first.

The loop ends when:
  - every story passes (Completed)
  - no story is eligible but some are blocked (Stalled)
  - --max-iterations is reached (MaxIterationsReached)
  - the executor prints the --completion-promise text (ExplicitPromise)
  - 'halloop cancel' removes the loop state (Cancelled)

Examples:
  halloop start                              # .hal/prd.json, config defaults
  halloop start --mode parallel              # Dispatch disjoint stories together
  halloop start --max-iterations 0           # Unbounded
  halloop start --completion-promise DONE    # Stop when the executor says DONE
  halloop start --no-run                     # Create the loop; drive it with 'halloop step'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := startFlags
		if len(args) > 0 {
			o.prdPath = args[0]
		}
		o.maxIterationsSet = cmd.Flags().Changed("max-iterations")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx, halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		eng, err := a.newEngine(o.engine)
		if err != nil {
			return err
		}

		st, err := runStartFn(halDirFlag, a.cfg, o, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if o.noRun {
			fmt.Fprintln(cmd.OutOrStdout(), "Loop created; advance it with 'halloop step' or 'halloop run'")
			return nil
		}
		return runLoopFn(ctx, a, eng, st, cmd.OutOrStdout())
	},
}

func init() {
	startCmd.Flags().IntVar(&startFlags.maxIterations, "max-iterations", 10, "Max iterations (0=unbounded; default from config)")
	startCmd.Flags().StringVar(&startFlags.mode, "mode", "", "Execution mode: sequential, parallel, full-parallel (default from prd.json)")
	startCmd.Flags().StringVar(&startFlags.promise, "completion-promise", "", "Text that ends the loop when the executor prints it")
	startCmd.Flags().StringVar(&startFlags.prompt, "prompt", "", "Prompt template for this loop (default .hal/prompt.md)")
	startCmd.Flags().BoolVar(&startFlags.noRun, "no-run", false, "Create the loop without running it")
	startCmd.Flags().StringVarP(&startFlags.engine, "engine", "e", "", "Executor engine (default from config)")
	rootCmd.AddCommand(startCmd)
}

// runStartFn validates the story set, archives a superseded one, and creates
// the loop state.
func runStartFn(halDir string, cfg *config.Config, o startOptions, out io.Writer) (*loopstate.State, error) {
	path := o.prdPath
	if path == "" {
		path = filepath.Join(halDir, template.PRDFile)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	store, err := prd.Load(path)
	if err != nil {
		return nil, err
	}
	p := store.PRD()

	modeName := o.mode
	if modeName == "" {
		modeName = string(p.Settings.ExecutionMode)
	}
	mode, err := prd.ParseExecutionMode(modeName)
	if err != nil {
		return nil, err
	}

	maxIterations := cfg.MaxIterations
	if o.maxIterationsSet {
		maxIterations = o.maxIterations
	}
	if maxIterations < 0 {
		return nil, fmt.Errorf("--max-iterations must not be negative")
	}

	state := loopstate.New(halDir)
	if state.Exists() {
		if _, err := state.Load(); err == nil {
			return nil, loopstate.ErrAlreadyActive
		}
	}

	if _, err := archive.Supersede(halDir, p, out); err != nil {
		return nil, fmt.Errorf("archiving previous story set: %w", err)
	}

	branch := p.BranchName
	if branch == "" {
		if workDir, err := filepath.Abs(filepath.Dir(filepath.Clean(halDir))); err == nil {
			_, branch = engine.GetGitInfo(workDir)
		}
	}

	st, discarded, err := state.Start(loopstate.Config{
		MaxIterations:     maxIterations,
		ExecutionMode:     mode,
		CompletionPromise: o.promise,
		PRDPath:           path,
		Project:           p.Project,
		Branch:            branch,
		Prompt:            o.prompt,
	})
	if err != nil {
		return nil, err
	}
	if discarded {
		fmt.Fprintln(out, "Discarded stale loop state")
	}

	passed, blocked, total := store.Progress()
	limit := "unbounded"
	if maxIterations > 0 {
		limit = fmt.Sprintf("max %d iterations", maxIterations)
	}
	fmt.Fprintf(out, "Started loop %s on %s: %d/%d passed, %d blocked, %s, %s\n",
		shortRunID(st.RunID), orNone(branch), passed, total, blocked, mode, limit)
	return st, nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orNone(s string) string {
	if s == "" {
		return "(no branch)"
	}
	return s
}
