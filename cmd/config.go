package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/config"
	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/hooks"
	"github.com/jywlabs/halloop/internal/template"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration.

Values from .hal/config.yaml are merged over the defaults; keys the file
leaves out keep their default. Also lists the registered engines.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigFn(halDirFlag, cmd.OutOrStdout())
	},
}

var addHookCmd = &cobra.Command{
	Use:   "add-hook <event>",
	Short: "Create a hook script for a lifecycle event",
	Long: `Create an executable hook script in .hal/hooks/.

Events: on_task_start, on_task_completed, on_task_blocked.

The script receives the event payload as JSON on stdin and may print
{"additionalContext": "..."} to pass context into the next iteration.

Example:
  halloop config add-hook on_task_completed   # Creates .hal/hooks/on_task_completed.sh`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAddHookFn(halDirFlag, args[0], cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(addHookCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigFn(halDir string, out io.Writer) error {
	cfg, err := config.Load(halDir)
	if err != nil {
		return err
	}

	path := filepath.Join(halDir, template.ConfigFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(out, "No %s found (using defaults)\n\n", path)
	} else {
		fmt.Fprintf(out, "Effective configuration (%s):\n\n", path)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	out.Write(data)

	fmt.Fprintf(out, "\nEngines: %s\n", strings.Join(engine.Available(), ", "))
	return nil
}

func runAddHookFn(halDir, event string, out io.Writer) error {
	name, err := hooks.ParseEventName(event)
	if err != nil {
		return err
	}
	if err := requireHalDir(halDir); err != nil {
		return err
	}

	hooksDir := filepath.Join(halDir, template.HooksDir)
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	hookPath := filepath.Join(hooksDir, string(name)+".sh")
	if _, err := os.Stat(hookPath); err == nil {
		return fmt.Errorf("hook %q already exists at %s", name, hookPath)
	}

	script := fmt.Sprintf(`#!/bin/sh
# %s hook. The event payload arrives as JSON on stdin.
# HAL_HOOK_EVENT and HAL_STORY_ID are set; variables from .hal/.env are exported.
#
# Print {"additionalContext": "..."} to pass context into the next iteration.
# A non-zero exit is logged and does not stop the loop.

payload=$(cat)
echo "$HAL_HOOK_EVENT $HAL_STORY_ID" >&2
`, name)

	if err := os.WriteFile(hookPath, []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write hook script: %w", err)
	}

	fmt.Fprintf(out, "Created hook: %s\n", hookPath)
	return nil
}
