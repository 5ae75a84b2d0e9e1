package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/template"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .hal/ directory",
	Long: `Initialize the .hal/ directory in the current project.

Creates:
  .hal/
    config.yaml    # Engine, limits, hooks, evaluator, history
    prompt.md      # Executor prompt template
    progress.txt   # Learnings appended after each attempt
    hooks/         # Executables named on_task_start, on_task_completed, on_task_blocked
    archive/       # Archived story sets

Existing files are left untouched, so init is safe to re-run.
After init, write .hal/prd.json and run 'halloop start'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInitFn(halDirFlag, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInitFn(halDir string, out io.Writer) error {
	for _, dir := range []string{template.HooksDir, template.ArchiveDir, template.LogsDir} {
		if err := os.MkdirAll(filepath.Join(halDir, dir), 0755); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}
	}

	files := template.DefaultFiles()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	created := 0
	for _, name := range names {
		path := filepath.Join(halDir, name)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "  kept    %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(files[name]), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		fmt.Fprintf(out, "  created %s\n", path)
		created++
	}

	if created == 0 {
		fmt.Fprintf(out, "%s already initialized\n", halDir)
		return nil
	}
	fmt.Fprintf(out, "Initialized %s\n", halDir)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  1. Write %s with your user stories\n", filepath.Join(halDir, template.PRDFile))
	fmt.Fprintln(out, "  2. Run: halloop validate")
	fmt.Fprintln(out, "  3. Run: halloop start")
	return nil
}
