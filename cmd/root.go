package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/logging"
	"github.com/jywlabs/halloop/internal/template"
)

// Global flags
var (
	halDirFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "halloop",
	Short: "halloop - story loop orchestrator for AI coding agents",
	Long: `halloop drives an executor (an AI coding agent or any program) through
the user stories of a prd.json, one iteration at a time, until every story
passes, the loop stalls on blocked stories, or a limit is reached.

Workflow:
  halloop init                    Create .hal/ with config, prompt and progress log
  halloop validate                Check prd.json structure
  halloop start                   Start a loop and run it
  halloop status                  Show loop position and story tally

Loop control:
  start       Start a new loop (archives the previous branch's story set)
  step        Run exactly one iteration of the active loop
  run         Continue the active loop until it terminates
  cancel      Stop the active loop at its next checkpoint
  unblock     Make a blocked story eligible again

Inspection:
  status      Loop state, tally and next selection
  history     Past runs and their iterations
  report      Markdown or HTML progress report
  archive     Archive, list and restore story sets
  config      Show the effective configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("log-level") {
			return nil
		}
		level, err := logging.ParseLevel(logLevelFlag)
		if err != nil {
			return err
		}
		logging.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&halDirFlag, "dir", template.HalDir, "State directory")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Terminal log level (debug, info, warn, error)")
}

// Execute runs the root command and exits with the code mapped from its error.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
