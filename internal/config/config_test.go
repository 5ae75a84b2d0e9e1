package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jywlabs/halloop/internal/hooks"
	"github.com/jywlabs/halloop/internal/template"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadEmbeddedDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, template.ConfigFile, template.DefaultConfig)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine != "claude" || cfg.MaxIterations != 10 || cfg.RetryDelay != 5*time.Second {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if got := cfg.Engines["command"].Command; got != "./executor.sh" {
		t.Errorf("command engine = %q", got)
	}
}

func TestLoadMergesOnlySetKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, template.ConfigFile, `
engine: command
maxIterations: 0
executorTimeout: 30m
engines:
  claude:
    model: opus
  command:
    command: ./run.sh
    args: [--fast]
hooks:
  on_task_completed:
    - command: ./notify.sh
      timeout: 10s
    - url: https://hooks.example.com/hal
      headers: {Authorization: Bearer x}
evaluator:
  command: ./evaluate.sh
history:
  dsn: postgres://localhost/hal
log:
  level: debug
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine != "command" {
		t.Errorf("Engine = %q", cfg.Engine)
	}
	if cfg.MaxIterations != 0 {
		t.Errorf("explicit zero maxIterations lost: %d", cfg.MaxIterations)
	}
	if cfg.MaxRetries != 3 || cfg.IterationDelay != 2*time.Second {
		t.Errorf("defaults not kept: maxRetries %d iterationDelay %s", cfg.MaxRetries, cfg.IterationDelay)
	}
	if cfg.ExecutorTimeout != 30*time.Minute {
		t.Errorf("ExecutorTimeout = %s", cfg.ExecutorTimeout)
	}
	if got := cfg.Engines["claude"]; got.Command != "claude" || got.Model != "opus" {
		t.Errorf("claude engine = %+v", got)
	}
	ec := cfg.EngineConfig("command")
	if ec.Command != "./run.sh" || !reflect.DeepEqual(ec.Args, []string{"--fast"}) || ec.Timeout != 30*time.Minute {
		t.Errorf("EngineConfig(command) = %+v", ec)
	}
	if cfg.Evaluator.Command != "./evaluate.sh" || cfg.Evaluator.Timeout != 5*time.Minute {
		t.Errorf("Evaluator = %+v", cfg.Evaluator)
	}
	if !cfg.History.Enabled || cfg.History.DSN != "postgres://localhost/hal" {
		t.Errorf("History = %+v", cfg.History)
	}
	if cfg.Log.Level != "debug" || cfg.LogFile(dir) != filepath.Join(dir, "logs", "halloop.log") {
		t.Errorf("Log = %+v", cfg.Log)
	}

	handlers := cfg.HookHandlers(dir, "/work")
	got := handlers[hooks.EventTaskCompleted]
	if len(got) != 2 {
		t.Fatalf("on_task_completed handlers = %d, want 2", len(got))
	}
	if ch, ok := got[0].(*hooks.CommandHandler); !ok || ch.Dir != "/work" || ch.Limit != 10*time.Second {
		t.Errorf("first handler = %#v", got[0])
	}
	if wh, ok := got[1].(*hooks.WebhookHandler); !ok || wh.Headers["Authorization"] != "Bearer x" {
		t.Errorf("second handler = %#v", got[1])
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad yaml", content: "engine: [", wantErr: "config.yaml"},
		{name: "bad duration", content: "retryDelay: soon", wantErr: "config.yaml"},
		{name: "negative iterations", content: "maxIterations: -1", wantErr: "maxIterations"},
		{name: "empty engine", content: `engine: ""`, wantErr: "engine must not be empty"},
		{name: "unknown event", content: "hooks:\n  on_deploy:\n    - command: x", wantErr: "unknown hook event"},
		{name: "handler without target", content: "hooks:\n  on_task_start:\n    - timeout: 1s", wantErr: "command or url is required"},
		{name: "handler with both", content: "hooks:\n  on_task_start:\n    - {command: x, url: http://y}", wantErr: "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, template.ConfigFile, tt.content)

			_, err := Load(dir)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, template.EnvFile, "# comment\nZED=last\nAPI_TOKEN=\"secret value\"\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"API_TOKEN=secret value", "ZED=last"}
	if !reflect.DeepEqual(cfg.Env, want) {
		t.Errorf("Env = %v, want %v", cfg.Env, want)
	}
	if got := cfg.EngineConfig("claude").Env; !reflect.DeepEqual(got, want) {
		t.Errorf("engine env = %v", got)
	}
	if ev := cfg.NewEvaluator(dir); ev != nil {
		t.Errorf("NewEvaluator() = %v, want nil without a command", ev)
	}
}

func TestHookHandlersDiscoversScripts(t *testing.T) {
	dir := t.TempDir()
	hooksDir := filepath.Join(dir, template.HooksDir)
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, hooksDir, "on_task_blocked.sh", "#!/bin/sh\nexit 0\n")

	cfg := Default()
	handlers := cfg.HookHandlers(dir, "/work")
	got := handlers[hooks.EventTaskBlocked]
	if len(got) != 1 {
		t.Fatalf("on_task_blocked handlers = %d, want 1", len(got))
	}
	if ch := got[0].(*hooks.CommandHandler); ch.Dir != "/work" || !strings.HasSuffix(ch.Command, "on_task_blocked.sh") {
		t.Errorf("discovered handler = %+v", ch)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "retryDelay: 5s") {
		t.Errorf("marshalled config = %s", data)
	}

	dir := t.TempDir()
	writeFile(t, dir, template.ConfigFile, string(data))
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("round trip changed config:\n%+v\n%+v", cfg, Default())
	}
}
