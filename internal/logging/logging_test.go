package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseLevel(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFanout(t *testing.T) {
	defer SetLevel(Level())
	SetLevel(slog.LevelWarn)

	var terminal bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "halloop.log")
	l := New(Options{Terminal: &terminal, File: path})

	l.Debug("selected stories", "iteration", 1)
	l.Warn("hook failed", "storyId", "US-1")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if strings.Contains(terminal.String(), "selected stories") {
		t.Errorf("debug record reached the terminal: %q", terminal.String())
	}
	if !strings.Contains(terminal.String(), "storyId=US-1") {
		t.Errorf("warning missing from terminal: %q", terminal.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log file has %d lines, want 2: %q", len(lines), data)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "selected stories" || rec["level"] != "DEBUG" {
		t.Errorf("first record = %v", rec)
	}
}

func TestSetLevelAffectsExistingLoggers(t *testing.T) {
	defer SetLevel(Level())
	SetLevel(slog.LevelWarn)

	var terminal bytes.Buffer
	l := New(Options{Terminal: &terminal})
	l.Info("before")
	SetLevel(slog.LevelInfo)
	l.Info("after")

	if strings.Contains(terminal.String(), "before") || !strings.Contains(terminal.String(), "after") {
		t.Errorf("terminal = %q", terminal.String())
	}
}
