// Package command runs stories through an arbitrary executable that speaks
// the JSON result contract: the request on stdin, a result object on stdout.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/prd"
)

func init() {
	engine.RegisterEngine("command", func(cfg engine.Config) engine.Engine {
		return New(cfg)
	})
}

// Payload is the JSON document written to the executor's stdin.
type Payload struct {
	StoryID            string   `json:"storyId"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	TargetFiles        []string `json:"targetFiles"`
	Iteration          int      `json:"iteration"`
	Project            string   `json:"project"`
	Branch             string   `json:"branch"`
	Prompt             string   `json:"prompt"`
	AdditionalContext  string   `json:"additionalContext,omitempty"`
	CompletionPromise  string   `json:"completionPromise,omitempty"`
	TDDRequired        bool     `json:"tddRequired"`
}

// Engine runs a configured executable once per story.
type Engine struct {
	Command string
	Args    []string
	Timeout time.Duration
	Env     []string
}

// New creates a command engine.
func New(cfg engine.Config) *Engine {
	return &Engine{
		Command: cfg.Command,
		Args:    cfg.Args,
		Timeout: cfg.Timeout,
		Env:     cfg.Env,
	}
}

// Name returns the engine identifier.
func (e *Engine) Name() string {
	return "command"
}

// NewPayload builds the stdin document for a request.
func NewPayload(req engine.Request) (Payload, error) {
	prompt, err := engine.RenderPrompt(req)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		StoryID:            req.Story.ID,
		Title:              req.Story.Title,
		Description:        req.Story.Description,
		AcceptanceCriteria: req.Story.AcceptanceCriteria,
		TargetFiles:        req.Story.TargetFiles,
		Iteration:          req.Iteration,
		Project:            req.Project,
		Branch:             req.Branch,
		Prompt:             prompt,
		AdditionalContext:  req.AdditionalContext,
		CompletionPromise:  req.CompletionPromise,
		TDDRequired:        req.TDDRequired,
	}, nil
}

// Execute runs the command. A non-zero exit still counts as a reported
// result when stdout carries one; otherwise it is a crash.
func (e *Engine) Execute(ctx context.Context, req engine.Request, display *engine.Display) engine.Result {
	startTime := time.Now()

	if e.Command == "" {
		return engine.Result{StoryID: req.Story.ID, Error: errors.New("command engine: no command configured")}
	}

	payload, err := NewPayload(req)
	if err != nil {
		return engine.Result{StoryID: req.Story.ID, Error: err}
	}
	stdin, err := json.Marshal(payload)
	if err != nil {
		return engine.Result{StoryID: req.Story.ID, Error: fmt.Errorf("encoding request: %w", err)}
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"HAL_STORY_ID="+req.Story.ID,
		fmt.Sprintf("HAL_ITERATION=%d", req.Iteration),
	)
	cmd.SysProcAttr = newSysProcAttr()
	setupProcessCleanup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	display.ShowEvent(&engine.Event{Type: engine.EventTool, Tool: "exec", Detail: e.Command})
	runErr := cmd.Run()
	duration := time.Since(startTime)
	output := stdout.String()

	if ctx.Err() != nil {
		r := engine.Result{StoryID: req.Story.ID, Output: output, Duration: duration, Error: ctx.Err()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.Error = fmt.Errorf("execution timed out after %s", e.Timeout)
		}
		return r
	}

	result, ok := engine.ExtractResult(output)
	if !ok {
		r := engine.Result{StoryID: req.Story.ID, Output: output, Duration: duration}
		if runErr != nil {
			r.Error = fmt.Errorf("execution failed: %w (stderr: %s)", runErr, strings.TrimSpace(stderr.String()))
		} else {
			r.Error = errors.New("executor printed no result object")
		}
		return r
	}

	if result.StoryID == "" {
		result.StoryID = req.Story.ID
	}
	if result.Metrics.ExecutionTimeMs == 0 {
		result.Metrics.ExecutionTimeMs = duration.Milliseconds()
	}
	result.Metrics.Iteration = req.Iteration
	result.Output = output
	result.Duration = duration

	display.ShowEvent(&engine.Event{Type: engine.EventResult, Data: engine.EventData{
		Success:    result.Status == prd.StatusSuccess,
		DurationMs: float64(duration.Milliseconds()),
		Tokens:     result.Metrics.TokensConsumed,
	}})
	return result
}
