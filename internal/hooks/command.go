package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CommandHandler runs an external process with the payload on stdin.
type CommandHandler struct {
	Command string
	Args    []string
	Dir     string        // Working directory; empty uses the current one
	Env     []string      // Extra KEY=VALUE pairs, e.g. from .hal/.env
	Limit   time.Duration // Per-handler timeout; 0 uses the dispatcher's
}

// Name returns the command as configured.
func (h *CommandHandler) Name() string {
	if len(h.Args) == 0 {
		return h.Command
	}
	return h.Command + " " + strings.Join(h.Args, " ")
}

// Timeout returns the per-handler timeout.
func (h *CommandHandler) Timeout() time.Duration { return h.Limit }

// Handle runs the command. A non-zero exit is an error; stdout may carry a
// JSON Response and stderr is only used for the error message.
func (h *CommandHandler) Handle(ctx context.Context, event EventName, storyID string, payload []byte) (Response, error) {
	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Dir = h.Dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Env = append(cmd.Env,
		"HAL_HOOK_EVENT="+string(event),
		"HAL_STORY_ID="+storyID,
	)
	// Children that inherit stdout must not hold Wait open past the timeout.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return Response{}, fmt.Errorf("%w: %s", ErrHandlerMissing, h.Command)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Response{}, fmt.Errorf("%w (stderr: %s)", err, truncate(msg, 200))
		}
		return Response{}, err
	}

	return parseResponse(stdout.Bytes()), nil
}

// Discover returns command handlers for executables in hooksDir named after
// an event, with or without a .sh suffix.
func Discover(hooksDir string, env []string) map[EventName][]Handler {
	found := make(map[EventName][]Handler)
	for _, event := range Events {
		for _, name := range []string{string(event), string(event) + ".sh"} {
			path := filepath.Join(hooksDir, name)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			found[event] = append(found[event], &CommandHandler{Command: abs, Env: env})
		}
	}
	return found
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
