// Package report renders a story set's progress as Markdown, and optionally
// as a standalone HTML page.
package report

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/scheduler"
)

var title = cases.Title(language.English).String

// Input is everything a report covers. State and Runs are optional.
type Input struct {
	PRD         *prd.PRD
	State       *loopstate.State
	Runs        []history.Run
	GeneratedAt time.Time
}

// Markdown renders the report.
func Markdown(in Input) string {
	var b strings.Builder
	p := in.PRD

	name := p.Project
	if name == "" {
		name = "Story set"
	}
	fmt.Fprintf(&b, "# %s progress\n\n", name)
	if p.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Description)
	}

	passed, blocked, total := p.Progress()
	fmt.Fprintf(&b, "- Branch: `%s`\n", orDash(p.BranchName))
	fmt.Fprintf(&b, "- Passed: %d/%d\n", passed, total)
	fmt.Fprintf(&b, "- Blocked: %d\n", blocked)
	if !in.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", in.GeneratedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	writeLoop(&b, in.State, p)
	writeStories(&b, p)
	writeAttempts(&b, p)
	writeRuns(&b, in.Runs)
	return b.String()
}

func writeLoop(b *strings.Builder, st *loopstate.State, p *prd.PRD) {
	b.WriteString("## Loop\n\n")
	if st == nil {
		b.WriteString("No active loop.\n\n")
		return
	}
	mode := st.ExecutionMode
	if mode == "" {
		mode = prd.ModeSequential
	}
	limit := "unbounded"
	if st.MaxIterations > 0 {
		limit = fmt.Sprintf("%d", st.MaxIterations)
	}
	fmt.Fprintf(b, "- Mode: %s\n", title(string(mode)))
	fmt.Fprintf(b, "- Iteration: %d of %s\n", st.Iteration, limit)
	fmt.Fprintf(b, "- Started: %s\n", st.StartedAt.UTC().Format(time.RFC3339))
	if next := scheduler.Next(p, mode, 0).IDs(); len(next) > 0 {
		fmt.Fprintf(b, "- Next: %s\n", strings.Join(next, ", "))
	}
	b.WriteString("\n")
}

func writeStories(b *strings.Builder, p *prd.PRD) {
	b.WriteString("## Stories\n\n")
	if len(p.UserStories) == 0 {
		b.WriteString("No stories.\n\n")
		return
	}
	b.WriteString("| ID | Title | Priority | Status | Retries | Attempts | Tokens | Duration |\n")
	b.WriteString("|---|---|---:|---|---:|---:|---:|---:|\n")
	for _, s := range p.UserStories {
		fmt.Fprintf(b, "| %s | %s | %d | %s | %d | %d | %d | %s |\n",
			cell(s.ID), cell(s.Title), s.Priority, storyStatus(s), s.RetryCount,
			len(s.Metrics.Attempts), s.Metrics.TokensConsumed,
			(time.Duration(s.Metrics.DurationMs) * time.Millisecond).String())
	}
	b.WriteString("\n")

	var blocked []prd.UserStory
	for _, s := range p.UserStories {
		if s.Blocked() && !s.Passes {
			blocked = append(blocked, s)
		}
	}
	if len(blocked) == 0 {
		return
	}
	b.WriteString("### Blocked\n\n")
	for _, s := range blocked {
		fmt.Fprintf(b, "- **%s**: %s\n", s.ID, s.BlockedReason)
	}
	b.WriteString("\n")
}

func writeAttempts(b *strings.Builder, p *prd.PRD) {
	type row struct {
		story string
		a     prd.Attempt
	}
	var rows []row
	for _, s := range p.UserStories {
		for _, a := range s.Metrics.Attempts {
			rows = append(rows, row{s.ID, a})
		}
	}
	if len(rows) == 0 {
		return
	}

	b.WriteString("## Attempts\n\n")
	b.WriteString("| Iteration | Story | Status | Duration | Tokens |\n")
	b.WriteString("|---:|---|---|---:|---:|\n")
	for _, r := range rows {
		fmt.Fprintf(b, "| %d | %s | %s | %s | %d |\n",
			r.a.Iteration, cell(r.story), title(string(r.a.Status)),
			(time.Duration(r.a.DurationMs) * time.Millisecond).String(), r.a.TokensConsumed)
	}
	b.WriteString("\n")
}

func writeRuns(b *strings.Builder, runs []history.Run) {
	if len(runs) == 0 {
		return
	}
	b.WriteString("## Recent runs\n\n")
	b.WriteString("| Run | Mode | Started | Finished | Reason |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, r := range runs {
		finished := "-"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s | %s |\n",
			shortID(r.ID), title(orDash(r.Mode)), r.StartedAt.UTC().Format(time.RFC3339), finished, orDash(r.Reason))
	}
	b.WriteString("\n")
}

// HTML renders markdown as a standalone page.
func HTML(pageTitle, markdown string) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))

	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("rendering report: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n", html.EscapeString(pageTitle))
	out.WriteString("<style>body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem}" +
		"table{border-collapse:collapse}th,td{border:1px solid #ccc;padding:.25rem .5rem}</style>\n</head>\n<body>\n")
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}

func storyStatus(s prd.UserStory) string {
	switch {
	case s.Passes:
		return "Passed"
	case s.Blocked():
		return "Blocked"
	case len(s.Metrics.Attempts) > 0:
		return "In progress"
	default:
		return "Pending"
	}
}

// cell escapes pipes so free text cannot break a table row.
func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
