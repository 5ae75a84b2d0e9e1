package claude

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/prd"
)

var testRequest = engine.Request{
	Story:     prd.UserStory{ID: "US-1", Title: "Add login", AcceptanceCriteria: []string{"form renders"}},
	Iteration: 2,
	Project:   "app",
	Branch:    "hal/login",
}

func TestExecute_ExtractsResultFromStream(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, `#!/bin/sh
printf '{"type":"system","subtype":"init","model":"claude-test"}\n'
printf '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}\n'
printf '{"type":"result","subtype":"success","duration_ms":1200,"usage":{"input_tokens":100,"output_tokens":50},"result":"Done.\\n{\\"storyId\\":\\"US-1\\",\\"status\\":\\"success\\",\\"commitHash\\":\\"abc123\\",\\"learnings\\":[\\"use sqlc\\"]}\\n<promise>COMPLETE</promise>"}\n'
`)

	eng := New(engine.Config{Command: filepath.Join(binDir, "claude")})
	var buf bytes.Buffer
	result := eng.Execute(context.Background(), testRequest, engine.NewDisplay(&buf))

	if result.Error != nil {
		t.Fatalf("Execute() error = %v", result.Error)
	}
	if result.Status != prd.StatusSuccess {
		t.Errorf("Status = %q, want success", result.Status)
	}
	if result.CommitHash != "abc123" {
		t.Errorf("CommitHash = %q", result.CommitHash)
	}
	if result.Metrics.TokensConsumed != 150 {
		t.Errorf("TokensConsumed = %d, want 150", result.Metrics.TokensConsumed)
	}
	if result.Metrics.Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", result.Metrics.Iteration)
	}
	if !engine.ContainsPromise(result.Output, "COMPLETE") {
		t.Errorf("Output should carry the promise: %q", result.Output)
	}
	if !strings.Contains(buf.String(), "go test ./...") {
		t.Errorf("tool event not displayed:\n%s", buf.String())
	}
}

func TestExecute_MissingResultIsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\nprintf '{\"type\":\"result\",\"subtype\":\"error_max_turns\",\"duration_ms\":1,\"result\":\"gave up\"}\\n'\n")

	eng := New(engine.Config{Command: filepath.Join(binDir, "claude")})
	result := eng.Execute(context.Background(), testRequest, nil)

	if result.Error != nil {
		t.Fatalf("Execute() error = %v", result.Error)
	}
	if result.Status != prd.StatusFailure {
		t.Errorf("Status = %q, want failure", result.Status)
	}
	if len(result.Errors) != 2 || !strings.Contains(result.Errors[1], "error_max_turns") {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func TestExecute_PreservesCanceledContextError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\nprintf '{\"type\":\"result\",\"subtype\":\"success\",\"duration_ms\":1}\\n'\nsleep 5\nexit 1\n")

	eng := New(engine.Config{Command: filepath.Join(binDir, "claude"), Timeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := eng.Execute(ctx, testRequest, nil)

	if result.Error == nil {
		t.Fatal("Execute() expected cancellation error, got nil")
	}
	if !errors.Is(result.Error, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", result.Error)
	}
}

func TestExecute_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\nexec sleep 5\n")

	eng := New(engine.Config{Command: filepath.Join(binDir, "claude"), Timeout: 100 * time.Millisecond})
	result := eng.Execute(context.Background(), testRequest, nil)

	if result.Error == nil || !strings.Contains(result.Error.Error(), "timed out") {
		t.Fatalf("Execute() error = %v, want timeout", result.Error)
	}
}

func TestBuildArgs(t *testing.T) {
	eng := New(engine.Config{Model: "opus", Args: []string{"--max-turns", "40"}})
	args := eng.BuildArgs("do it")

	joined := strings.Join(args, " ")
	for _, want := range []string{"-p", "--output-format stream-json", "--model opus", "--max-turns 40"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "do it" {
		t.Errorf("prompt must be last, got %v", args)
	}
	if eng.Command != "claude" {
		t.Errorf("Command = %q, want default claude", eng.Command)
	}
}

func writeFakeClaude(t *testing.T, dir, script string) {
	t.Helper()

	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
