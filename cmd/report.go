package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/report"
	"github.com/jywlabs/halloop/internal/template"
)

var (
	reportHTMLFlag   bool
	reportOutputFlag string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a progress report",
	Long: `Render the story set's progress as Markdown (or HTML with --html).

The report covers every story, blocked reasons, the attempt log, the active
loop if any, and recent runs from the history database.

Examples:
  halloop report
  halloop report --html -o progress.html`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), halDirFlag, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if reportOutputFlag != "" {
			f, err := os.Create(reportOutputFlag)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return runReportFn(cmd.Context(), a.halDir, a.history, reportHTMLFlag, out)
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportHTMLFlag, "html", false, "Render a standalone HTML page")
	reportCmd.Flags().StringVarP(&reportOutputFlag, "output", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(reportCmd)
}

// runReportFn renders the report for the active story set. hist may be nil.
func runReportFn(ctx context.Context, halDir string, hist *history.Store, asHTML bool, out io.Writer) error {
	in := report.Input{GeneratedAt: time.Now()}

	prdPath := filepath.Join(halDir, template.PRDFile)
	st, err := loopstate.New(halDir).Load()
	switch {
	case err == nil:
		in.State = st
		if st.PRDPath != "" {
			prdPath = st.PRDPath
		}
	case errors.Is(err, loopstate.ErrNotActive), errors.Is(err, loopstate.ErrStaleState):
	default:
		return err
	}

	store, err := prd.Load(prdPath)
	if err != nil {
		return err
	}
	in.PRD = store.PRD()

	if hist != nil {
		runs, err := hist.Runs(ctx, 10)
		if err != nil {
			return err
		}
		in.Runs = runs
	}

	md := report.Markdown(in)
	if !asHTML {
		_, err := io.WriteString(out, md)
		return err
	}

	name := in.PRD.Project
	if name == "" {
		name = "halloop"
	}
	page, err := report.HTML(fmt.Sprintf("%s progress", name), md)
	if err != nil {
		return err
	}
	_, err = out.Write(page)
	return err
}
