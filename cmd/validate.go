package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/template"
)

var validateCmd = &cobra.Command{
	Use:   "validate [prd-path]",
	Short: "Validate a story set",
	Long: `Validate the structure of a prd.json.

Errors (exit code 2):
  - missing id, priority or passes, or fields of the wrong type
  - duplicate story ids
  - dependsOn naming unknown stories, itself, or forming a cycle
  - unknown settings.executionMode, negative limits

Warnings:
  - stories without a title or acceptance criteria

Examples:
  halloop validate                    # Validate .hal/prd.json
  halloop validate path/to/prd.json   # Validate specific file`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(halDirFlag, template.PRDFile)
		if len(args) > 0 {
			path = args[0]
		}
		return runValidateFn(path, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidateFn(path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("story set %s: %w", path, prd.ErrNotFound)
		}
		return err
	}

	_, result, err := prd.Parse(data)
	var cfgErr *prd.ConfigError
	if errors.As(err, &cfgErr) && len(cfgErr.Issues) == 0 {
		// Not decodable at all; there is no result to format.
		cfgErr.Path = path
		return cfgErr
	}

	fmt.Fprint(out, prd.FormatValidationResult(result))
	if err != nil {
		return fmt.Errorf("%s: %w", path, prd.ErrInvalidFormat)
	}
	return nil
}
