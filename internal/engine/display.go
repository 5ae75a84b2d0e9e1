package engine

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Spinner frames using braille characters
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Progress bar characters
const (
	barFilled = "█"
	barEmpty  = "░"
	barWidth  = 20
)

// Flusher is an optional interface for writers that support flushing.
type Flusher interface {
	Sync() error
}

// Display handles terminal output with spinners and formatted status.
// It is safe for concurrent use by engines running in parallel.
type Display struct {
	out       io.Writer
	tty       bool // Spinner redraws only make sense on a terminal
	mu        sync.Mutex
	spinMu    sync.Mutex // Separate mutex for spinner to avoid deadlock
	spinning  bool
	spinStop  chan struct{}
	spinDone  chan struct{}
	spinMsg   string
	lastTool  string
	loopStart time.Time
	toolStart time.Time // Track when current tool started

	// Stats tracking
	totalTokens    int
	iterationCount int
	maxIterations  int
}

// StoryInfo holds information about a story being worked on.
type StoryInfo struct {
	ID    string
	Title string
}

// TerminationInfo is what the final box reports.
type TerminationInfo struct {
	Reason  string // Completed, Stalled, MaxIterationsReached, ...
	Detail  string
	Success bool
	Passed  int
	Blocked int
	Total   int
}

// NewDisplay creates a new display writer. Spinners are disabled unless out
// is a terminal.
func NewDisplay(out io.Writer) *Display {
	now := time.Now()
	return &Display{
		out:       out,
		tty:       isTerminal(out),
		loopStart: now,
		toolStart: now,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// flush attempts to flush the output if it supports it.
func (d *Display) flush() {
	if f, ok := d.out.(Flusher); ok {
		f.Sync()
	}
}

// StartSpinner begins the loading spinner with a message. A running spinner
// only has its message replaced.
func (d *Display) StartSpinner(msg string) {
	if d == nil || !d.tty {
		return
	}
	d.spinMu.Lock()
	if d.spinning {
		d.spinMsg = msg
		d.spinMu.Unlock()
		return
	}
	d.spinning = true
	d.spinMsg = msg
	d.spinStop = make(chan struct{})
	d.spinDone = make(chan struct{})
	stop, done := d.spinStop, d.spinDone
	d.spinMu.Unlock()

	go func() {
		defer close(done)
		frame := 0
		first := true
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				if !first {
					// Move up, clear line, stay there for next output
					d.mu.Lock()
					fmt.Fprintf(d.out, "\033[1A\r\033[K")
					d.flush()
					d.mu.Unlock()
				}
				return
			case <-ticker.C:
				d.spinMu.Lock()
				msg := d.spinMsg
				d.spinMu.Unlock()

				d.mu.Lock()
				elapsed := formatElapsed(time.Since(d.toolStart))
				if first {
					// First frame: print spinner + newline (cursor goes below)
					fmt.Fprintf(d.out, "   %s %s (%s)\n", StyleAccent.Render(spinnerFrames[frame]), msg, elapsed)
					first = false
				} else {
					// Subsequent frames: move up, clear line, reprint + newline
					fmt.Fprintf(d.out, "\033[1A\r\033[K   %s %s (%s)\n", StyleAccent.Render(spinnerFrames[frame]), msg, elapsed)
				}
				d.flush()
				d.mu.Unlock()
				frame = (frame + 1) % len(spinnerFrames)
			}
		}
	}()
}

// StopSpinner stops the loading spinner.
func (d *Display) StopSpinner() {
	if d == nil {
		return
	}
	d.spinMu.Lock()
	if !d.spinning {
		d.spinMu.Unlock()
		return
	}
	d.spinning = false
	close(d.spinStop)
	done := d.spinDone
	d.spinMu.Unlock()
	<-done
}

// ShowEvent displays a normalized event.
func (d *Display) ShowEvent(e *Event) {
	if d == nil || e == nil {
		return
	}

	// Stop any running spinner before showing new event
	d.StopSpinner()

	d.mu.Lock()

	var startSpinnerMsg string

	switch e.Type {
	case EventInit:
		if e.Data.Model != "" {
			fmt.Fprintf(d.out, "   %s\n", StyleMuted.Render("model: "+e.Data.Model))
		}
		d.toolStart = time.Now()
		startSpinnerMsg = "thinking..."

	case EventTool:
		// Avoid duplicate consecutive tool messages
		toolKey := e.Tool + e.Detail
		if toolKey == d.lastTool {
			d.mu.Unlock()
			return
		}
		d.lastTool = toolKey
		d.toolStart = time.Now()

		detail := e.Detail
		if detail != "" {
			detail = " " + detail
		}
		fmt.Fprintf(d.out, "   %s %s%s\n", StyleToolArrow.String(), toolStyle(e.Tool).Render(e.Tool), detail)

		// Start spinner while tool executes
		startSpinnerMsg = truncate(e.Tool+detail, 40)

	case EventResult:
		status := StyleSuccess.Render("[ok]")
		if !e.Data.Success {
			status = StyleError.Render("[!!]")
		}
		duration := int(e.Data.DurationMs / 1000)
		fmt.Fprintf(d.out, "   %s %ds", status, duration)
		if e.Data.Tokens > 0 {
			d.totalTokens += e.Data.Tokens
			fmt.Fprintf(d.out, " | %s tokens", formatTokens(e.Data.Tokens))
		}
		fmt.Fprintln(d.out)
	}

	d.mu.Unlock()

	// Start spinner after releasing lock (if needed)
	if startSpinnerMsg != "" {
		d.StartSpinner(startSpinnerMsg)
	}
}

func toolStyle(tool string) lipgloss.Style {
	switch tool {
	case "write", "edit":
		return StyleToolWrite
	case "run":
		return StyleToolBash
	default:
		return StyleToolRead
	}
}

// ShowLoopHeader displays the initial loop information.
func (d *Display) ShowLoopHeader(engineName, mode string, maxIterations int) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maxIterations = maxIterations
	d.loopStart = time.Now()

	limit := "unbounded"
	if maxIterations > 0 {
		limit = fmt.Sprintf("%d", maxIterations)
	}
	body := strings.Join([]string{
		StyleCommandIcon.String() + " " + StyleTitle.Render("halloop"),
		fmt.Sprintf("Engine: %s", engineName),
		fmt.Sprintf("Mode: %s", mode),
		fmt.Sprintf("Max iterations: %s", limit),
	}, "\n")
	fmt.Fprintln(d.out, HeaderBox().Render(body))
	fmt.Fprintln(d.out)
}

// ShowIterationHeader displays the iteration banner with progress bar and the
// stories dispatched in it.
func (d *Display) ShowIterationHeader(current, max int, stories []StoryInfo) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.iterationCount = current
	d.maxIterations = max
	d.lastTool = "" // Reset for new iteration

	elapsed := time.Since(d.loopStart).Round(time.Second)
	rule := StyleMuted.Render(strings.Repeat("─", 55))

	fmt.Fprintln(d.out, rule)
	if max > 0 {
		fmt.Fprintf(d.out, "  Iteration %d/%d  [%s]  %s elapsed\n", current, max, progressBar(current-1, max), elapsed)
	} else {
		fmt.Fprintf(d.out, "  Iteration %d  %s elapsed\n", current, elapsed)
	}
	for _, story := range stories {
		storyLine := fmt.Sprintf("  >>> %s: %s", story.ID, story.Title)
		fmt.Fprintf(d.out, "%s\n", StyleBold.Render(truncate(storyLine, 55)))
	}
	fmt.Fprintln(d.out, rule)
}

// ShowStoryResult prints the applied outcome of one story.
func (d *Display) ShowStoryResult(id, status, detail string) {
	if d == nil {
		return
	}
	d.StopSpinner()
	d.mu.Lock()
	defer d.mu.Unlock()

	var mark string
	switch status {
	case "success":
		mark = StyleSuccess.Render("[ok]")
	case "blocked":
		mark = StyleError.Render("[!!]")
	default:
		mark = StyleWarning.Render("[--]")
	}
	line := fmt.Sprintf("   %s %s %s", mark, id, status)
	if detail != "" {
		line += StyleMuted.Render(" (" + truncate(detail, 60) + ")")
	}
	fmt.Fprintln(d.out, line)
}

// ShowIterationComplete displays iteration completion status.
func (d *Display) ShowIterationComplete(current int) {
	if d == nil {
		return
	}
	d.StopSpinner()
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "   %s\n\n", StyleMuted.Render(fmt.Sprintf("--- iteration %d complete ---", current)))
}

// ShowTermination displays the terminal reason with the final tally.
func (d *Display) ShowTermination(info TerminationInfo) {
	if d == nil {
		return
	}
	d.StopSpinner()
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.loopStart).Round(time.Second)

	box := SuccessBox()
	title := StyleSuccess.Render("[ok] " + info.Reason)
	if !info.Success {
		box = WarningBox()
		title = StyleWarning.Render("[--] " + info.Reason)
	}

	lines := []string{title}
	if info.Detail != "" {
		lines = append(lines, info.Detail)
	}
	lines = append(lines,
		fmt.Sprintf("Stories: %d/%d passed, %d blocked", info.Passed, info.Total, info.Blocked),
		fmt.Sprintf("Iterations: %d", d.iterationCount),
		fmt.Sprintf("Total time: %s", elapsed),
		fmt.Sprintf("Total tokens: %s", formatTokens(d.totalTokens)),
	)

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, box.Render(strings.Join(lines, "\n")))
}

// ShowError displays an error message.
func (d *Display) ShowError(msg string) {
	if d == nil {
		return
	}
	d.StopSpinner()
	d.mu.Lock()
	defer d.mu.Unlock()

	body := StyleError.Render("[!!] Error") + "\n" + msg
	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, ErrorBox().Render(body))
}

// ShowInfo displays an info message.
func (d *Display) ShowInfo(format string, args ...interface{}) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

// ShowRetry displays retry information.
func (d *Display) ShowRetry(attempt, max int, delay time.Duration) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "   %s\n", StyleWarning.Render(fmt.Sprintf("... retrying in %s (attempt %d/%d)", delay, attempt, max)))
}

// AddTokens records tokens reported outside the event stream.
func (d *Display) AddTokens(n int) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.totalTokens += n
	d.mu.Unlock()
}

// Helper functions

func progressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = done * barWidth / total
	}
	if filled > barWidth {
		filled = barWidth
	}
	if filled < 0 {
		filled = 0
	}
	return StyleProgressFilled.Render(strings.Repeat(barFilled, filled)) +
		StyleProgressEmpty.Render(strings.Repeat(barEmpty, barWidth-filled))
}

// formatElapsed formats duration with fixed width (always 6 chars like " 1.04s")
func formatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 10 {
		return fmt.Sprintf("%5.2fs", secs) // " 1.04s"
	} else if secs < 100 {
		return fmt.Sprintf("%5.1fs", secs) // " 10.0s"
	}
	return fmt.Sprintf("%5.0fs", secs) // "  100s"
}

func formatTokens(n int) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
