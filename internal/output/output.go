package output

import (
	"fmt"
	"io"
	"strings"
)

// Printer handles plain-text output for the CLI.
type Printer struct {
	w io.Writer
}

// New creates a new Printer that writes to the given writer.
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// StoryCount prints the number of stories still to do.
// Format: "Found N pending stories"
func (p *Printer) StoryCount(count int) {
	if count == 1 {
		fmt.Fprintf(p.w, "Found 1 pending story\n")
	} else {
		fmt.Fprintf(p.w, "Found %d pending stories\n", count)
	}
}

// Story prints one story line.
// Format: "✓ US-1 Title", "✗ US-2 Title: reason" or "· US-3 Title"
func (p *Printer) Story(id, title string, passes bool, blockedReason string) {
	switch {
	case passes:
		fmt.Fprintf(p.w, "✓ %s %s\n", id, title)
	case blockedReason != "":
		fmt.Fprintf(p.w, "✗ %s %s: %s\n", id, title, blockedReason)
	default:
		fmt.Fprintf(p.w, "· %s %s\n", id, title)
	}
}

// Loop prints the active loop's position.
// Format: "Loop active: iteration 3/10 (parallel)", or "3 (unbounded)" without a limit
func (p *Printer) Loop(iteration, maxIterations int, mode string) {
	if maxIterations > 0 {
		fmt.Fprintf(p.w, "Loop active: iteration %d/%d (%s)\n", iteration, maxIterations, mode)
	} else {
		fmt.Fprintf(p.w, "Loop active: iteration %d, unbounded (%s)\n", iteration, mode)
	}
}

// NoLoop prints that no loop is running.
func (p *Printer) NoLoop() {
	fmt.Fprintf(p.w, "No active loop\n")
}

// Next prints the stories the scheduler would dispatch next.
// Format: "Next: US-1, US-2"
func (p *Printer) Next(ids []string) {
	if len(ids) == 0 {
		fmt.Fprintf(p.w, "Next: nothing eligible\n")
		return
	}
	fmt.Fprintf(p.w, "Next: %s\n", strings.Join(ids, ", "))
}

// Terminated prints the reason a loop ended.
// Format: "Loop ended: <reason> (<detail>)"
func (p *Printer) Terminated(reason, detail string) {
	if detail == "" {
		fmt.Fprintf(p.w, "Loop ended: %s\n", reason)
		return
	}
	fmt.Fprintf(p.w, "Loop ended: %s (%s)\n", reason, detail)
}

// Tally prints the final summary.
// Format: "Passed X/N stories" with ", B blocked" when any are blocked
func (p *Printer) Tally(passed, blocked, total int) {
	if blocked > 0 {
		fmt.Fprintf(p.w, "Passed %d/%d stories, %d blocked\n", passed, total, blocked)
		return
	}
	fmt.Fprintf(p.w, "Passed %d/%d stories\n", passed, total)
}
