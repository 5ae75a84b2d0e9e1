package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/template"
)

var unblockCmd = &cobra.Command{
	Use:   "unblock <story-id>",
	Short: "Make a blocked story eligible again",
	Long: `Clear a story's blockedReason and retry count so the scheduler picks it up again.

Attempt history is kept. Use this after fixing whatever blocked the story,
then 'halloop run' (or 'halloop start' if the loop already stalled).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUnblockFn(halDirFlag, args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(unblockCmd)
}

// runUnblockFn clears the blocked state of one story in the active story set.
func runUnblockFn(halDir, id string, out io.Writer) error {
	path := filepath.Join(halDir, template.PRDFile)
	if st, err := loopstate.New(halDir).Load(); err == nil && st.PRDPath != "" {
		path = st.PRDPath
	}

	store, err := prd.Load(path)
	if err != nil {
		return err
	}
	story := store.PRD().FindStoryByID(id)
	if story == nil {
		return fmt.Errorf("unknown story %s", id)
	}
	if !story.Blocked() {
		fmt.Fprintf(out, "%s is not blocked\n", id)
		return nil
	}
	reason := story.BlockedReason

	if err := store.Unblock(id); err != nil {
		if errors.Is(err, prd.ErrNotFound) {
			return fmt.Errorf("unknown story %s", id)
		}
		return err
	}
	fmt.Fprintf(out, "Unblocked %s (was: %s)\n", id, reason)
	return nil
}
