package prd

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// writePRD writes a story set to dir/prd.json and returns the path.
func writePRD(t *testing.T, dir string, p *PRD) string {
	t.Helper()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testPRD() *PRD {
	return &PRD{
		Project:     "demo",
		BranchName:  "hal/demo",
		Description: "demo project",
		Settings:    Settings{MaxRetries: 3},
		UserStories: []UserStory{
			{ID: "US-1", Title: "First", AcceptanceCriteria: []string{"works"}, Priority: 2},
			{ID: "US-2", Title: "Second", AcceptanceCriteria: []string{"works"}, Priority: 1},
		},
	}
}

func attemptAt(iteration int, status AttemptStatus) Attempt {
	start := time.Date(2026, 3, 1, 10, iteration, 0, 0, time.UTC)
	return Attempt{
		Iteration:      iteration,
		StartedAt:      start,
		CompletedAt:    start.Add(30 * time.Second),
		TokensConsumed: 100,
		Status:         status,
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file is ErrNotFound", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "prd.json"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("garbage is ErrInvalidFormat", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prd.json")
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("err = %v, want ErrInvalidFormat", err)
		}
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Path != path {
			t.Fatalf("expected ConfigError with path %s, got %v", path, err)
		}
	})

	t.Run("duplicate ids rejected", func(t *testing.T) {
		p := testPRD()
		p.UserStories[1].ID = "US-1"
		_, err := Load(writePRD(t, t.TempDir(), p))
		if !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("err = %v, want ErrInvalidFormat", err)
		}
		if !strings.Contains(err.Error(), "duplicate story id") {
			t.Errorf("error %q should mention duplicate id", err)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := testPRD()
	p.Settings = Settings{
		TDDRequired:              true,
		AutoPush:                 true,
		ExecutionMode:            ModeParallel,
		EvaluatorEnabled:         true,
		AllowReorder:             true,
		EvaluateEveryNIterations: 2,
		MaxRetries:               4,
		MaxParallel:              2,
	}
	p.UserStories[0].TargetFiles = []string{"internal/a.go"}
	p.UserStories[0].DependsOn = []string{"US-2"}
	p.UserStories[0].Notes = "note"
	p.UserStories[1].Passes = true
	p.UserStories[1].Metrics = Metrics{
		StartedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt:    time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		DurationMs:     300000,
		TokensConsumed: 1200,
		Attempts:       []Attempt{attemptAt(1, StatusSuccess)},
	}

	path := filepath.Join(dir, "prd.json")
	if err := WriteFile(path, p); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(store.PRD(), p) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", store.PRD(), p)
	}
}

func TestRoundTripEmptyListsReadAsAbsent(t *testing.T) {
	dir := t.TempDir()
	p := testPRD()
	p.UserStories[0].TargetFiles = []string{}
	p.UserStories[0].DependsOn = []string{}

	path := filepath.Join(dir, "prd.json")
	if err := WriteFile(path, p); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"targetFiles"`, `"dependsOn"`} {
		if strings.Contains(string(data), key) {
			t.Errorf("empty %s written to disk:\n%s", key, data)
		}
	}

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := store.PRD().UserStories[0]
	if got.TargetFiles != nil || got.DependsOn != nil {
		t.Errorf("targetFiles %#v dependsOn %#v, want nil", got.TargetFiles, got.DependsOn)
	}

	// A story that never had the fields loads identically.
	absent := testPRD()
	if !reflect.DeepEqual(store.PRD(), absent) {
		t.Errorf("empty lists differ from absent:\n got  %+v\n want %+v", store.PRD(), absent)
	}
}

func TestWriteFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prd.json")
	for i := 0; i < 3; i++ {
		if err := WriteFile(path, testPRD()); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "prd.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want only prd.json", names)
	}
}

func TestMarkResult(t *testing.T) {
	tests := []struct {
		name        string
		outcomes    []Outcome
		wantPasses  bool
		wantBlocked string
		wantRetries int
		wantApplied []bool
	}{
		{
			name:        "success passes story",
			outcomes:    []Outcome{{Attempt: attemptAt(1, StatusSuccess)}},
			wantPasses:  true,
			wantApplied: []bool{true},
		},
		{
			name: "failures below budget stay eligible",
			outcomes: []Outcome{
				{Attempt: attemptAt(1, StatusFailure)},
				{Attempt: attemptAt(2, StatusFailure)},
			},
			wantRetries: 2,
			wantApplied: []bool{true, true},
		},
		{
			name: "third failure exhausts budget of three",
			outcomes: []Outcome{
				{Attempt: attemptAt(1, StatusFailure)},
				{Attempt: attemptAt(2, StatusFailure)},
				{Attempt: attemptAt(3, StatusFailure)},
			},
			wantRetries: 3,
			wantBlocked: "exceeded retry budget (3 failures)",
			wantApplied: []bool{true, true, true},
		},
		{
			name:        "explicit block uses executor reason",
			outcomes:    []Outcome{{Attempt: attemptAt(1, StatusBlocked), BlockedReason: "needs credentials"}},
			wantBlocked: "needs credentials",
			wantApplied: []bool{true},
		},
		{
			name:        "explicit block without reason gets default",
			outcomes:    []Outcome{{Attempt: attemptAt(1, StatusBlocked)}},
			wantBlocked: "blocked by executor",
			wantApplied: []bool{true},
		},
		{
			name: "same iteration applied twice is a no-op",
			outcomes: []Outcome{
				{Attempt: attemptAt(1, StatusFailure)},
				{Attempt: attemptAt(1, StatusFailure)},
			},
			wantRetries: 1,
			wantApplied: []bool{true, false},
		},
		{
			name: "outcome budget overrides settings",
			outcomes: []Outcome{
				{Attempt: attemptAt(1, StatusFailure), MaxRetries: 1},
			},
			wantRetries: 1,
			wantBlocked: "exceeded retry budget (1 failures)",
			wantApplied: []bool{true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Load(writePRD(t, t.TempDir(), testPRD()))
			if err != nil {
				t.Fatal(err)
			}

			var story UserStory
			for i, out := range tt.outcomes {
				var applied bool
				story, applied, err = store.MarkResult("US-1", out)
				if err != nil {
					t.Fatalf("MarkResult: %v", err)
				}
				if applied != tt.wantApplied[i] {
					t.Errorf("outcome %d applied = %v, want %v", i, applied, tt.wantApplied[i])
				}
			}

			if story.Passes != tt.wantPasses {
				t.Errorf("Passes = %v, want %v", story.Passes, tt.wantPasses)
			}
			if story.BlockedReason != tt.wantBlocked {
				t.Errorf("BlockedReason = %q, want %q", story.BlockedReason, tt.wantBlocked)
			}
			if story.RetryCount != tt.wantRetries {
				t.Errorf("RetryCount = %d, want %d", story.RetryCount, tt.wantRetries)
			}

			// The change must be durable.
			reloaded, err := Load(store.Path())
			if err != nil {
				t.Fatal(err)
			}
			if got := reloaded.PRD().FindStoryByID("US-1"); !reflect.DeepEqual(*got, story) {
				t.Errorf("persisted story differs:\n got  %+v\n want %+v", *got, story)
			}
		})
	}
}

func TestMarkResultIdempotentAttempts(t *testing.T) {
	store, err := Load(writePRD(t, t.TempDir(), testPRD()))
	if err != nil {
		t.Fatal(err)
	}

	out := Outcome{Attempt: attemptAt(4, StatusSuccess)}
	if _, _, err := store.MarkResult("US-2", out); err != nil {
		t.Fatal(err)
	}
	story, applied, err := store.MarkResult("US-2", out)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("second application should not be applied")
	}
	if n := len(story.Metrics.Attempts); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if story.Metrics.DurationMs != 30000 {
		t.Errorf("DurationMs = %d, want 30000", story.Metrics.DurationMs)
	}
	if story.Metrics.TokensConsumed != 100 {
		t.Errorf("TokensConsumed = %d, want 100", story.Metrics.TokensConsumed)
	}
}

func TestMarkResultUnknownStory(t *testing.T) {
	store, err := Load(writePRD(t, t.TempDir(), testPRD()))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = store.MarkResult("US-404", Outcome{Attempt: attemptAt(1, StatusSuccess)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAllPass(t *testing.T) {
	tests := []struct {
		name    string
		stories []UserStory
		want    bool
	}{
		{"all passing", []UserStory{{ID: "A", Passes: true}, {ID: "B", Passes: true}}, true},
		{"one pending", []UserStory{{ID: "A", Passes: true}, {ID: "B"}}, false},
		{"blocked without passing", []UserStory{{ID: "A", Passes: true}, {ID: "B", BlockedReason: "stuck"}}, false},
		{"empty set", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore("", &PRD{UserStories: tt.stories})
			if got := store.AllPass(); got != tt.want {
				t.Errorf("AllPass() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnblock(t *testing.T) {
	p := testPRD()
	p.UserStories[0].BlockedReason = "exceeded retry budget (3 failures)"
	p.UserStories[0].RetryCount = 3
	store, err := Load(writePRD(t, t.TempDir(), p))
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Unblock("US-1"); err != nil {
		t.Fatal(err)
	}
	story := store.PRD().FindStoryByID("US-1")
	if story.Blocked() || story.RetryCount != 0 {
		t.Errorf("story still blocked: %+v", story)
	}
	if err := store.Unblock("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProgress(t *testing.T) {
	p := &PRD{UserStories: []UserStory{
		{ID: "A", Passes: true},
		{ID: "B", BlockedReason: "x"},
		{ID: "C"},
	}}
	passed, blocked, total := p.Progress()
	if passed != 1 || blocked != 1 || total != 3 {
		t.Errorf("Progress() = %d, %d, %d; want 1, 1, 3", passed, blocked, total)
	}
}
