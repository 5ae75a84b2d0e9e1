package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/archive"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/template"
)

var archiveNameFlag string
var archiveVerboseFlag bool

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive the current story set",
	Long: `Archive the current story set from .hal/ into .hal/archive/<date>-<name>/.

Archives: prd.json and progress.txt.

Never touches: config.yaml, prompt.md, hooks/, history.db.

Archiving is refused while a loop is active. Use --name to set the archive
name, or you will be prompted interactively.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runArchiveCreate(halDirFlag, archiveNameFlag, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all archives",
	Long: `List all archived story sets with date, name and completion stats.

Use --verbose for detailed output including branch name and full path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runArchiveListFn(halDirFlag, archiveVerboseFlag, cmd.OutOrStdout())
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore an archived story set",
	Long: `Restore files from an archive directory back into .hal/.

If there is a current story set, it is archived first as auto-saved-<feature>.

The name argument is the archive directory name (e.g., 2026-01-15-my-feature).
Use 'halloop archive list' to see available archives.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireHalDir(halDirFlag); err != nil {
			return err
		}
		return archive.Restore(halDirFlag, args[0], cmd.OutOrStdout())
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveNameFlag, "name", "", "Archive name (default: derived from branch name)")
	archiveListCmd.Flags().BoolVarP(&archiveVerboseFlag, "verbose", "v", false, "Show detailed output")

	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)
	rootCmd.AddCommand(archiveCmd)
}

func requireHalDir(halDir string) error {
	if _, err := os.Stat(halDir); os.IsNotExist(err) {
		return fmt.Errorf("%s/ not found - run 'halloop init' first", filepath.Base(halDir))
	}
	return nil
}

// runArchiveCreate archives the current story set, prompting on in for a
// name when none is given.
func runArchiveCreate(halDir, name string, in io.Reader, out io.Writer) error {
	if err := requireHalDir(halDir); err != nil {
		return err
	}

	if name == "" {
		name = promptForName(deriveArchiveName(halDir), in, out)
	}
	if name == "" {
		return fmt.Errorf("archive name is required")
	}

	_, err := archive.Create(halDir, name, out)
	return err
}

// runArchiveListFn prints the archives as a table.
func runArchiveListFn(halDir string, verbose bool, out io.Writer) error {
	if err := requireHalDir(halDir); err != nil {
		return err
	}

	archives, err := archive.List(halDir)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		fmt.Fprintln(out, "No archives found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if verbose {
		fmt.Fprintln(tw, "NAME\tDATE\tPROGRESS\tBRANCH\tPATH")
	} else {
		fmt.Fprintln(tw, "NAME\tDATE\tPROGRESS")
	}
	for _, a := range archives {
		date, feature := splitArchiveName(a.Name)
		progress := fmt.Sprintf("%d/%d", a.Completed, a.Total)
		if a.Blocked > 0 {
			progress += fmt.Sprintf(" (%d blocked)", a.Blocked)
		}
		if verbose {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", feature, date, progress, orNone(a.BranchName), a.Dir)
		} else {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", feature, date, progress)
		}
	}
	return tw.Flush()
}

// splitArchiveName splits "2026-01-15-my-feature" into its date and feature.
func splitArchiveName(name string) (date, feature string) {
	if len(name) > 11 && name[10] == '-' {
		return name[:10], name[11:]
	}
	return "-", name
}

// deriveArchiveName returns a default archive name from prd.json's branchName.
func deriveArchiveName(halDir string) string {
	data, err := os.ReadFile(filepath.Join(halDir, template.PRDFile))
	if err != nil {
		return ""
	}
	var p prd.PRD
	if err := json.Unmarshal(data, &p); err != nil || p.BranchName == "" {
		return ""
	}
	return archive.FeatureFromBranch(p.BranchName)
}

// promptForName asks for an archive name with a default suggestion.
func promptForName(defaultName string, in io.Reader, out io.Writer) string {
	if defaultName != "" {
		fmt.Fprintf(out, "Archive name [%s]: ", defaultName)
	} else {
		fmt.Fprint(out, "Archive name: ")
	}

	input, _ := bufio.NewReader(in).ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultName
	}
	return input
}
