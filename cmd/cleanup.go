package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/template"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned files from .hal/",
	Long: `Remove orphaned files from .hal/ that are no longer used.

This command removes:
  - *.tmp files left behind by an interrupted atomic write
  - a stale loop-state.json (corrupt, inactive or inconsistent)

An active, valid loop state is never touched; use 'halloop cancel' for that.
Use --dry-run to preview what would be removed without making changes.

This command is idempotent and safe to run multiple times.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanupFn(halDirFlag, cleanupDryRun, cmd.OutOrStdout())
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Preview changes without removing files")
	rootCmd.AddCommand(cleanupCmd)
}

// orphanedFiles returns the removable files in halDir in sorted order.
func orphanedFiles(halDir string) ([]string, error) {
	tmps, err := filepath.Glob(filepath.Join(halDir, "*.tmp"))
	if err != nil {
		return nil, err
	}
	files := tmps

	if _, err := loopstate.New(halDir).Load(); errors.Is(err, loopstate.ErrStaleState) {
		files = append(files, filepath.Join(halDir, template.LoopStateFile))
	}
	sort.Strings(files)
	return files, nil
}

func runCleanupFn(halDir string, dryRun bool, out io.Writer) error {
	if err := requireHalDir(halDir); err != nil {
		return err
	}

	files, err := orphanedFiles(halDir)
	if err != nil {
		return err
	}

	removed := 0
	for _, path := range files {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			// Skip directories for safety
			continue
		}

		if dryRun {
			fmt.Fprintf(out, "Would remove: %s\n", path)
		} else {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
			fmt.Fprintf(out, "Removed: %s\n", path)
		}
		removed++
	}

	if removed == 0 {
		fmt.Fprintln(out, "No orphaned files found.")
	} else if dryRun {
		fmt.Fprintf(out, "\nWould remove %d file(s). Run without --dry-run to remove.\n", removed)
	} else {
		fmt.Fprintf(out, "\nRemoved %d file(s).\n", removed)
	}

	return nil
}
