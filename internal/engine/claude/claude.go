// Package claude runs stories through the Claude Code CLI.
package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/prd"
)

func init() {
	engine.RegisterEngine("claude", func(cfg engine.Config) engine.Engine {
		return New(cfg)
	})
}

// Engine executes stories using Claude Code CLI.
type Engine struct {
	Command string
	Args    []string // Extra CLI arguments
	Model   string
	Timeout time.Duration
	Env     []string
}

// New creates a new Claude engine.
func New(cfg engine.Config) *Engine {
	e := &Engine{
		Command: cfg.Command,
		Args:    cfg.Args,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
		Env:     cfg.Env,
	}
	if e.Command == "" {
		e.Command = "claude"
	}
	return e
}

// Name returns the engine identifier.
func (e *Engine) Name() string {
	return "claude"
}

// BuildArgs returns the CLI arguments for execution.
func (e *Engine) BuildArgs(prompt string) []string {
	args := []string{
		"-p",
		"--dangerously-skip-permissions",
		"--verbose",
		"--output-format", "stream-json",
	}
	if e.Model != "" {
		args = append(args, "--model", e.Model)
	}
	args = append(args, e.Args...)
	return append(args, prompt)
}

// Execute renders the story prompt and runs it through Claude Code CLI.
func (e *Engine) Execute(ctx context.Context, req engine.Request, display *engine.Display) engine.Result {
	startTime := time.Now()

	prompt, err := engine.RenderPrompt(req)
	if err != nil {
		return engine.Result{StoryID: req.Story.ID, Error: err}
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command, e.BuildArgs(prompt)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), e.Env...)

	// Detach from the TTY: with a controlling terminal the CLI writes
	// interactive hints straight to /dev/tty.
	cmd.Stdin = nil
	cmd.SysProcAttr = newSysProcAttr()
	setupProcessCleanup(cmd)

	// Set up output capture with streaming parser
	var stdout, stderr bytes.Buffer
	streamWriter := &streamHandler{
		parser:  NewParser(),
		display: display,
	}

	cmd.Stdout = io.MultiWriter(streamWriter, &stdout)
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	streamWriter.Flush()
	duration := time.Since(startTime)

	session, sawResult := streamWriter.parser.Session()
	output := stdout.String()
	if session.Text != "" {
		output = session.Text
	}

	if runErr != nil {
		r := engine.Result{StoryID: req.Story.ID, Output: output, Duration: duration}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			r.Error = fmt.Errorf("execution timed out after %s", e.Timeout)
		case ctx.Err() != nil:
			r.Error = ctx.Err()
		default:
			r.Error = fmt.Errorf("execution failed: %w (stderr: %s)", runErr, strings.TrimSpace(stderr.String()))
		}
		return r
	}

	result, ok := engine.ExtractResult(output)
	if !ok {
		result = engine.Result{Status: prd.StatusFailure, Errors: []string{"no result object in executor output"}}
		if sawResult && !session.Success {
			result.Errors = append(result.Errors, "claude reported "+session.Subtype)
		}
	}
	if result.StoryID == "" {
		result.StoryID = req.Story.ID
	}
	if result.Metrics.TokensConsumed == 0 {
		result.Metrics.TokensConsumed = session.Tokens
	}
	if result.Metrics.ExecutionTimeMs == 0 {
		result.Metrics.ExecutionTimeMs = duration.Milliseconds()
	}
	result.Metrics.Iteration = req.Iteration
	result.Output = output
	result.Duration = duration
	return result
}

// streamHandler feeds complete output lines through the parser to the display.
type streamHandler struct {
	parser  *Parser
	display *engine.Display
	buffer  []byte
}

func (h *streamHandler) Write(p []byte) (n int, err error) {
	h.buffer = append(h.buffer, p...)

	// Process complete lines
	for {
		idx := bytes.IndexByte(h.buffer, '\n')
		if idx == -1 {
			break
		}

		line := h.buffer[:idx]
		h.buffer = h.buffer[idx+1:]
		h.display.ShowEvent(h.parser.ParseLine(line))
	}

	return len(p), nil
}

func (h *streamHandler) Flush() {
	if len(h.buffer) > 0 {
		h.display.ShowEvent(h.parser.ParseLine(h.buffer))
		h.buffer = nil
	}
}
